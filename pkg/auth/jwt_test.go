package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/realtime/pkg/errors"
)

func newVerifier(t *testing.T, cfg Config) *JWTVerifier {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	v, err := NewJWTVerifier(cfg)
	require.NoError(t, err)
	return v
}

func TestIssueAndVerify(t *testing.T) {
	v := newVerifier(t, Config{Issuer: "realtime", Audience: "ambassador"})

	token, err := v.Issue("user-1", "ambassador", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.SubjectID())
	assert.Equal(t, "ambassador", claims.Role)
}

func TestVerifyFailures(t *testing.T) {
	v := newVerifier(t, Config{Issuer: "realtime"})
	other := newVerifier(t, Config{Secret: "other-secret", Issuer: "realtime"})
	wrongIssuer := newVerifier(t, Config{Issuer: "someone-else"})

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    "realtime",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	forged, err := other.Issue("u", "", time.Minute)
	require.NoError(t, err)

	foreign, err := wrongIssuer.Issue("u", "", time.Minute)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "realtime"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "realtime",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":      "",
		"malformed":  "not-a-jwt",
		"expired":    expired,
		"bad sig":    forged,
		"issuer":     foreign,
		"no exp":     noExp,
		"no subject": noSubject,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken))
		})
	}
}

func TestLegacyUserIDClaim(t *testing.T) {
	v := newVerifier(t, Config{})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "legacy-7",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "legacy-7", claims.SubjectID())
}

func TestMissingSecret(t *testing.T) {
	_, err := NewJWTVerifier(Config{})
	assert.True(t, errors.Is(err, ErrMissingSecret))
}
