package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePublicKey(t *testing.T, pub any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "alice", TokenID: "t1"})
	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, Identity{UserID: "alice", TokenID: "t1"}, got)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}

func TestTokenVerifierRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v, err := NewTokenVerifier(writePublicKey(t, &key.PublicKey), nil)
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "alice", "jti": "t1"}).SignedString(key)
	require.NoError(t, err)
	id, err := v.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", TokenID: "t1"}, id)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "mallory"}).SignedString(other)
	require.NoError(t, err)
	_, err = v.Parse(forged)
	assert.Error(t, err)

	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "mallory"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Parse(hmac)
	assert.Error(t, err, "HMAC tokens must not pass RSA verification")
}

func TestTokenVerifierECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v, err := NewTokenVerifier(writePublicKey(t, &key.PublicKey), nil)
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"sub": "bob"}).SignedString(key)
	require.NoError(t, err)
	id, err := v.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)
	assert.Empty(t, id.TokenID)
}

func TestTokenVerifierRequiresSubject(t *testing.T) {
	v, err := NewTokenVerifier("", nil)
	require.NoError(t, err)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"jti": "t1"}).SignedString([]byte("x"))
	require.NoError(t, err)
	_, err = v.Parse(signed)
	assert.Error(t, err)
}

func TestNewTokenVerifierBadKeyFile(t *testing.T) {
	_, err := NewTokenVerifier("/does/not/exist.pem", nil)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not pem"), 0o600))
	_, err = NewTokenVerifier(path, nil)
	assert.Error(t, err)
}

func TestIdentityMiddlewareAnonymous(t *testing.T) {
	v, err := NewTokenVerifier("", nil)
	require.NoError(t, err)

	var seen bool
	h := IdentityMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, seen)
}
