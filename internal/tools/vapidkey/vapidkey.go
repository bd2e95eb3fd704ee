// Package vapidkey generates the VAPID key pair for web push.
package vapidkey

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	webpushgo "github.com/SherClockHolmes/webpush-go"
)

// Generator returns a private and public VAPID key.
type Generator func() (privateKey string, publicKey string, err error)

// Config holds configuration for VAPID key generation.
type Config struct {
	Subject string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Subject: "mailto:support@example.com"}
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "contact URI sent to push services")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates a key pair and writes it to out as env assignments.
func Run(cfg Config, out io.Writer, generate Generator) error {
	if out == nil {
		return errors.New("output is required")
	}
	subject := strings.TrimSpace(cfg.Subject)
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https://") {
		return errors.New("subject must be a mailto: or https:// URI")
	}
	if generate == nil {
		generate = webpushgo.GenerateVAPIDKeys
	}

	privateKey, publicKey, err := generate()
	if err != nil {
		return fmt.Errorf("generate vapid keys: %w", err)
	}
	_, err = fmt.Fprintf(out, "TSUPPORT_VAPID_PUBLIC_KEY=%s\nTSUPPORT_VAPID_PRIVATE_KEY=%s\nTSUPPORT_VAPID_SUBJECT=%s\n", publicKey, privateKey, subject)
	return err
}
