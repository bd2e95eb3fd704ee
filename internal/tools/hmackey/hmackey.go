// Package hmackey generates the HMAC secret agent tokens are signed with.
package hmackey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/tsupport/supportchat/internal/services/chat/agentauth"
)

// Config holds configuration for agent token secret generation.
type Config struct {
	Bytes int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: agentauth.MinSecretSize}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < agentauth.MinSecretSize {
		return fmt.Errorf("bytes must be at least %d", agentauth.MinSecretSize)
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "TSUPPORT_AGENT_TOKEN_SECRET=%s\n", base64.StdEncoding.EncodeToString(buf))
	return err
}
