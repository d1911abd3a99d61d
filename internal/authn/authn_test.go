package authn

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/config"
)

func signToken(t *testing.T, kid string, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func newTestValidator(t *testing.T, kid string, secret []byte) *Validator {
	t.Helper()
	v, err := NewValidator(config.AuthnConfig{Keys: map[string]string{kid: hex.EncodeToString(secret)}})
	require.NoError(t, err)
	return v
}

func TestParseValidToken(t *testing.T) {
	secret := []byte("0123456789abcdef")
	v := newTestValidator(t, "key-1", secret)

	tokenStr := signToken(t, "key-1", secret, jwt.MapClaims{
		"sub": "alice",
		"aud": "classrooms.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	account, err := v.Parse(tokenStr)
	require.NoError(t, err)
	require.Equal(t, "alice", account.Subject)
	require.Equal(t, "classrooms.example.com", account.Audience)
}

func TestParseRejectsUnknownKeyId(t *testing.T) {
	secret := []byte("0123456789abcdef")
	v := newTestValidator(t, "key-1", secret)

	tokenStr := signToken(t, "key-2", secret, jwt.MapClaims{"sub": "alice", "aud": "svc"})

	_, err := v.Parse(tokenStr)
	require.Error(t, err)
}

func TestParseRejectsWrongSigningMethod(t *testing.T) {
	v := newTestValidator(t, "key-1", []byte("0123456789abcdef"))

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "aud": "svc"})
	tok.Header["kid"] = "key-1"
	tokenStr, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Parse(tokenStr)
	require.Error(t, err)
}

func TestParseRejectsMissingSubject(t *testing.T) {
	secret := []byte("0123456789abcdef")
	v := newTestValidator(t, "key-1", secret)

	tokenStr := signToken(t, "key-1", secret, jwt.MapClaims{"aud": "svc"})

	_, err := v.Parse(tokenStr)
	require.Error(t, err)
}

func TestParseRejectsMultiAudience(t *testing.T) {
	secret := []byte("0123456789abcdef")
	v := newTestValidator(t, "key-1", secret)

	tokenStr := signToken(t, "key-1", secret, jwt.MapClaims{
		"sub": "alice",
		"aud": []string{"svc-one", "svc-two"},
	})

	_, err := v.Parse(tokenStr)
	require.Error(t, err)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	secret := []byte("0123456789abcdef")
	v := newTestValidator(t, "key-1", secret)

	tokenStr := signToken(t, "key-1", secret, jwt.MapClaims{
		"sub": "alice",
		"aud": "svc",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Parse(tokenStr)
	require.Error(t, err)
}
