// Package agentauth issues and verifies the bearer tokens agents present.
package agentauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/id"
)

const (
	// DefaultIssuer is the iss claim of tokens minted by this service.
	DefaultIssuer = "tsupport"
	// DefaultAudience is the aud claim the chat service accepts.
	DefaultAudience = "tsupport-chat"
	// DefaultTTL bounds token lifetime when the caller passes zero.
	DefaultTTL = 12 * time.Hour
	// MinSecretSize is the smallest accepted HMAC key.
	MinSecretSize = 32
)

// Config defines how agent tokens are signed and verified.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// Principal is a verified agent identity.
type Principal struct {
	AgentID   string
	Name      string
	ExpiresAt time.Time
}

type agentClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// DecodeSecret parses a base64 secret and enforces MinSecretSize.
func DecodeSecret(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("agent token secret is required")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("decode agent token secret: %w", err)
		}
	}
	if len(decoded) < MinSecretSize {
		return nil, fmt.Errorf("agent token secret must be at least %d bytes", MinSecretSize)
	}
	return decoded, nil
}

func (c Config) normalized() (Config, error) {
	if len(c.Secret) < MinSecretSize {
		return Config{}, errors.New("agent token verifier is not configured")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		c.Issuer = DefaultIssuer
	}
	if strings.TrimSpace(c.Audience) == "" {
		c.Audience = DefaultAudience
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// Verifier validates HS256 agent tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier validates cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: normalized}, nil
}

// Verify checks signature, issuer, audience, and expiry.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, apperrors.New(apperrors.CodeUnauthenticated, "agent token is required")
	}
	if v == nil {
		return Principal{}, errors.New("agent token verifier is not configured")
	}

	var parsed agentClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Principal{}, mapJWTError(err)
	}

	if parsed.Issuer != v.cfg.Issuer {
		return Principal{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated, "agent token issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, v.cfg.Audience) {
		return Principal{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated, "agent token audience mismatch", map[string]string{"Field": "audience"})
	}
	if parsed.ExpiresAt == nil {
		return Principal{}, apperrors.New(apperrors.CodeUnauthenticated, "agent token exp is required")
	}
	now := v.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Principal{}, apperrors.New(apperrors.CodeUnauthenticated, "agent token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Principal{}, apperrors.New(apperrors.CodeUnauthenticated, "agent token not active yet")
	}
	agentID := strings.TrimSpace(parsed.Subject)
	if agentID == "" {
		return Principal{}, apperrors.New(apperrors.CodeUnauthenticated, "agent token subject is required")
	}
	return Principal{AgentID: agentID, Name: strings.TrimSpace(parsed.Name), ExpiresAt: exp}, nil
}

// Issue mints a token for agentID valid for ttl.
func Issue(cfg Config, agentID, name string, ttl time.Duration) (string, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return "", err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", errors.New("agent id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	now := normalized.Now().UTC()
	claims := agentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    normalized.Issuer,
			Subject:   agentID,
			Audience:  jwt.ClaimStrings{normalized.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Name: strings.TrimSpace(name),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(normalized.Secret)
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrSignatureInvalid) {
		return apperrors.New(apperrors.CodeUnauthenticated, "agent token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthenticated, "agent token alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthenticated, "agent token is invalid")
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}
