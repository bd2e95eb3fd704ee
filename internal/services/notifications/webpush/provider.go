// Package webpush delivers notification payloads through the Web Push
// protocol with VAPID authentication.
package webpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpushgo "github.com/SherClockHolmes/webpush-go"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/notifications"
)

const (
	defaultTTLSeconds = 60 * 60 * 24
	maxErrorBody      = 512
)

// Config carries the VAPID key pair and contact.
type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTLSeconds int
	HTTPClient *http.Client
}

// Provider implements notifications.Provider.
type Provider struct {
	options webpushgo.Options
}

// New validates cfg and builds a provider.
func New(cfg Config) (*Provider, error) {
	publicKey := strings.TrimSpace(cfg.PublicKey)
	privateKey := strings.TrimSpace(cfg.PrivateKey)
	if publicKey == "" || privateKey == "" {
		return nil, errors.New("vapid key pair is required")
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, errors.New("vapid subject is required")
	}
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = defaultTTLSeconds
	}
	options := webpushgo.Options{
		Subscriber:      subject,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             ttl,
		Urgency:         webpushgo.UrgencyNormal,
	}
	if cfg.HTTPClient != nil {
		options.HTTPClient = cfg.HTTPClient
	}
	return &Provider{options: options}, nil
}

// PublicKey returns the VAPID public key clients subscribe with.
func (p *Provider) PublicKey() string {
	return p.options.VAPIDPublicKey
}

// Send encrypts payload for subscription and posts it to the push service.
// Non-2xx responses become *notifications.DeliveryError.
func (p *Provider) Send(ctx context.Context, subscription domain.PushSubscription, payload []byte) error {
	if p == nil {
		return errors.New("web push provider is not configured")
	}
	options := p.options
	resp, err := webpushgo.SendNotificationWithContext(ctx, payload, &webpushgo.Subscription{
		Endpoint: subscription.Endpoint,
		Keys: webpushgo.Keys{
			P256dh: subscription.P256dh,
			Auth:   subscription.Auth,
		},
	}, &options)
	if err != nil {
		return fmt.Errorf("send web push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &notifications.DeliveryError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

var _ notifications.Provider = (*Provider)(nil)
