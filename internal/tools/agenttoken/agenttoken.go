// Package agenttoken mints agent bearer tokens for development and support
// operators.
package agenttoken

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tsupport/supportchat/internal/platform/config"
	"github.com/tsupport/supportchat/internal/services/chat/agentauth"
)

// Config holds token minting configuration.
type Config struct {
	Secret  string        `env:"TSUPPORT_AGENT_TOKEN_SECRET"`
	AgentID string        `env:"TSUPPORT_AGENT_ID"`
	Name    string        `env:"TSUPPORT_AGENT_NAME"`
	TTL     time.Duration `env:"TSUPPORT_AGENT_TOKEN_TTL" envDefault:"12h"`
}

// ParseConfig loads env defaults, then flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.AgentID, "agent-id", cfg.AgentID, "agent id (token subject)")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "agent display name claim")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run mints a token and writes it to out.
func Run(cfg Config, out io.Writer, now func() time.Time) error {
	if out == nil {
		return errors.New("output is required")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return errors.New("agent id is required")
	}
	secret, err := agentauth.DecodeSecret(cfg.Secret)
	if err != nil {
		return err
	}
	token, err := agentauth.Issue(agentauth.Config{Secret: secret, Now: now}, cfg.AgentID, cfg.Name, cfg.TTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
