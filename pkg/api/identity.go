package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type identityCtxKey struct{}

// Identity is the operator behind a request, taken from the bearer token.
type Identity struct {
	UserID  string
	TokenID string
}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext returns the request identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// TokenVerifier decodes bearer tokens. Without a public key it runs in
// trusted proxy mode and accepts tokens without checking signatures.
type TokenVerifier struct {
	key    any
	parser *jwt.Parser
}

// NewTokenVerifier loads the PEM public key at publicKeyPath. An empty
// path selects trusted proxy mode.
func NewTokenVerifier(publicKeyPath string, logger *slog.Logger) (*TokenVerifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &TokenVerifier{parser: jwt.NewParser()}
	if publicKeyPath == "" {
		logger.Warn("no JWT public key configured, bearer tokens are not verified")
		return v, nil
	}

	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key %s: %w", publicKeyPath, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", publicKeyPath)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("unsupported public key type %T", key)
	}
	v.key = key
	logger.Info("verifying bearer tokens", "keyPath", publicKeyPath)
	return v, nil
}

// Parse returns the identity carried by token.
func (v *TokenVerifier) Parse(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if v.key == nil {
		if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
			return Identity{}, err
		}
	} else {
		_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			switch v.key.(type) {
			case *rsa.PublicKey:
				if _, ok := t.Method.(*jwt.SigningMethodRSA); ok {
					return v.key, nil
				}
			case *ecdsa.PublicKey:
				if _, ok := t.Method.(*jwt.SigningMethodECDSA); ok {
					return v.key, nil
				}
			}
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		})
		if err != nil {
			return Identity{}, err
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, errors.New("token has no subject")
	}
	jti, _ := claims["jti"].(string)
	return Identity{UserID: sub, TokenID: jti}, nil
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IdentityMiddleware attaches the bearer token identity to the request
// context. Requests without a token pass through anonymously; requests with
// a token that does not parse are rejected.
func IdentityMiddleware(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" || v == nil {
				next.ServeHTTP(w, r)
				return
			}
			id, err := v.Parse(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
