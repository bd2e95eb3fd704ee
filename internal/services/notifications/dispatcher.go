// Package notifications fans chat messages out to stored push subscriptions.
package notifications

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/timeouts"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
	"github.com/tsupport/supportchat/internal/services/notifications/render"
)

const tracerName = "github.com/tsupport/supportchat/internal/services/notifications"

var (
	// ErrStoreNotConfigured indicates the dispatcher is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("notification store is not configured")
	// ErrProviderNotConfigured indicates the dispatcher has no push provider.
	ErrProviderNotConfigured = errors.New("push provider is not configured")
)

// Store resolves and prunes push subscriptions.
type Store interface {
	ListPushSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]domain.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// Provider sends one encoded payload to one subscription. Rejections by the
// push service are returned as *DeliveryError.
type Provider interface {
	Send(ctx context.Context, subscription domain.PushSubscription, payload []byte) error
}

// Result summarizes one dispatch. Per-subscription failures are counted,
// never returned.
type Result struct {
	Attempted    int
	Delivered    int
	Pruned       int
	Failed       int
	NoRecipients bool
}

// Dispatcher delivers push notifications to an audience.
type Dispatcher struct {
	store    Store
	provider Provider
	locale   render.Localizer
	logf     func(string, ...any)
	tracer   trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLocalizer sets the printer used for payload copy.
func WithLocalizer(loc render.Localizer) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.locale = loc
		}
	}
}

// WithLogger sets the log function.
func WithLogger(logf func(string, ...any)) Option {
	return func(d *Dispatcher) {
		if logf != nil {
			d.logf = logf
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(store Store, provider Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		provider: provider,
		locale:   render.Printer(""),
		logf:     log.Printf,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch notifies audience about text. An empty subscription set is a
// NoRecipients result, not an error. Only a failure to resolve the set is
// returned as an error; each send runs independently and its failure is
// counted, logged, and pruned when the endpoint is gone.
func (d *Dispatcher) Dispatch(ctx context.Context, audience Audience, text string) (Result, error) {
	if d == nil || d.store == nil {
		return Result{}, ErrStoreNotConfigured
	}
	ctx, span := d.tracer.Start(ctx, "notifications.Dispatch", trace.WithAttributes(
		attribute.String("notifications.audience", audience.String()),
	))
	defer span.End()

	if d.provider == nil {
		return Result{}, ErrProviderNotConfigured
	}
	if !audience.Valid() {
		return Result{}, apperrors.New(apperrors.CodeInvalidArgument, "notification audience is required")
	}

	subscriptions, err := d.store.ListPushSubscriptions(ctx, audience.Filter())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve subscriptions")
		return Result{}, apperrors.Wrap(apperrors.CodeSubscriptionResolutionFailed, "resolve push subscriptions", err)
	}
	if len(subscriptions) == 0 {
		span.SetAttributes(attribute.Int("notifications.recipients", 0))
		return Result{NoRecipients: true}, nil
	}

	channel := render.ChannelCustomer
	if audience.Agents() {
		channel = render.ChannelAgents
	}
	payload, err := render.Encode(render.Render(d.locale, render.Input{Channel: channel, Body: strings.TrimSpace(text)}))
	if err != nil {
		return Result{}, err
	}

	var delivered, pruned, failed atomic.Int64
	var group errgroup.Group
	for _, subscription := range subscriptions {
		group.Go(func() error {
			switch d.deliver(ctx, subscription, payload) {
			case outcomeDelivered:
				delivered.Add(1)
			case outcomePruned:
				pruned.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	result := Result{
		Attempted: len(subscriptions),
		Delivered: int(delivered.Load()),
		Pruned:    int(pruned.Load()),
		Failed:    int(failed.Load()),
	}
	span.SetAttributes(
		attribute.Int("notifications.recipients", result.Attempted),
		attribute.Int("notifications.pruned", result.Pruned),
		attribute.Int("notifications.failed", result.Failed),
	)
	return result, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomePruned
	outcomeFailed
)

func (d *Dispatcher) deliver(ctx context.Context, subscription domain.PushSubscription, payload []byte) outcome {
	sendCtx, cancel := context.WithTimeout(ctx, timeouts.PushDelivery)
	defer cancel()

	err := d.provider.Send(sendCtx, subscription, payload)
	if err == nil {
		return outcomeDelivered
	}

	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) || !deliveryErr.Permanent() {
		d.logf("notifications: push send failed endpoint=%q err=%v", subscription.Endpoint, err)
		return outcomeFailed
	}

	// The send already failed on its own deadline; pruning gets a fresh one.
	pruneCtx, pruneCancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.PushDelivery)
	defer pruneCancel()
	if err := d.store.DeletePushSubscription(pruneCtx, subscription.Endpoint); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logf("notifications: prune subscription endpoint=%q err=%v", subscription.Endpoint, err)
		return outcomeFailed
	}
	d.logf("notifications: pruned gone subscription endpoint=%q status=%d", subscription.Endpoint, deliveryErr.StatusCode)
	return outcomePruned
}
