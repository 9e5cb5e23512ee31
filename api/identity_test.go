package api

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signClaims(t *testing.T, key ed25519.PrivateKey, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestParseAndValidateJWT(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	config := AuthConfig{PublicKey: publicKey, Issuer: "lotbid-test", Audience: "lotbid"}

	valid := func() Claims {
		return Claims{
			Username: "Alice",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				Issuer:    "lotbid-test",
				Subject:   "alice",
				Audience:  []string{"lotbid"},
			},
		}
	}

	t.Run("valid token", func(t *testing.T) {
		claims, err := ParseAndValidateJWT(signClaims(t, privateKey, valid()), config)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, "Alice", claims.Username)
	})

	tests := []struct {
		name   string
		token  func() string
		config AuthConfig
	}{
		{
			name:   "signed by another key",
			token:  func() string { return signClaims(t, otherKey, valid()) },
			config: config,
		},
		{
			name: "expired",
			token: func() string {
				c := valid()
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return signClaims(t, privateKey, c)
			},
			config: config,
		},
		{
			name: "missing expiration",
			token: func() string {
				c := valid()
				c.ExpiresAt = nil
				return signClaims(t, privateKey, c)
			},
			config: config,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := valid()
				c.Issuer = "someone-else"
				return signClaims(t, privateKey, c)
			},
			config: config,
		},
		{
			name: "wrong audience",
			token: func() string {
				c := valid()
				c.Audience = []string{"another-service"}
				return signClaims(t, privateKey, c)
			},
			config: config,
		},
		{
			name: "missing subject",
			token: func() string {
				c := valid()
				c.Subject = ""
				return signClaims(t, privateKey, c)
			},
			config: config,
		},
		{
			name: "hmac algorithm",
			token: func() string {
				signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, valid()).SignedString([]byte("secret"))
				require.NoError(t, err)
				return signed
			},
			config: config,
		},
		{
			name:   "public key not configured",
			token:  func() string { return signClaims(t, privateKey, valid()) },
			config: AuthConfig{},
		},
		{
			name:   "garbage",
			token:  func() string { return "a.b.c" },
			config: config,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndValidateJWT(tt.token(), tt.config)
			assert.Error(t, err)
		})
	}
}
