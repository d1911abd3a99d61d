// Package authn validates externally issued tokens. This service only
// consumes tokens issued elsewhere: the TokenParser capability interface
// exists so production code and test fakes share one contract.
package authn

import (
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/primal-host/classroom-presence/internal/config"
	"github.com/primal-host/classroom-presence/internal/model"
)

// TokenParser decodes a bearer token into the AccountId it authenticates.
// Production code is backed by Validator; tests substitute a fake.
type TokenParser interface {
	Parse(tokenStr string) (model.AccountId, error)
}

// claims wraps the registered JWT claims; their Subject and Audience are
// read back out as the AccountId.
type claims struct {
	jwt.RegisteredClaims
}

// Validator parses and validates HS256 tokens against a configured set
// of keys, keyed by "kid" header. There is no signing half, since this
// service never mints tokens.
type Validator struct {
	keys map[string][]byte
}

// NewValidator builds a Validator from the configured key set. Keys are
// hex-encoded in configuration.
func NewValidator(cfg config.AuthnConfig) (*Validator, error) {
	keys := make(map[string][]byte, len(cfg.Keys))
	for kid, hexSecret := range cfg.Keys {
		secret, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("authn: decode key %q: %w", kid, err)
		}
		keys[kid] = secret
	}
	return &Validator{keys: keys}, nil
}

// Parse validates tokenStr and extracts the AccountId it authenticates:
// Subject becomes the subject, Audience (singular — this service rejects
// multi-audience tokens) becomes the audience.
func (v *Validator) Parse(tokenStr string) (model.AccountId, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authn: unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		secret, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("authn: unknown key id %q", kid)
		}
		return secret, nil
	})
	if err != nil {
		return model.AccountId{}, fmt.Errorf("authn: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return model.AccountId{}, fmt.Errorf("authn: invalid token claims")
	}
	if c.Subject == "" {
		return model.AccountId{}, fmt.Errorf("authn: missing subject")
	}
	if len(c.Audience) != 1 {
		return model.AccountId{}, fmt.Errorf("authn: expected exactly one audience, got %d", len(c.Audience))
	}

	return model.AccountId{Subject: c.Subject, Audience: c.Audience[0]}, nil
}
