package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/permbridge/client/internal/config"
)

// ErrUnauthorized is returned for any token that fails validation.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates a bearer token and returns its subject.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (subject string, err error)
}

// NewAuthenticator builds the authenticator selected by cfg. It returns nil
// when the API is configured without auth. API key hashes are accepted
// alongside either JWT mode.
func NewAuthenticator(cfg config.APIConfig) (Authenticator, error) {
	var chain chainAuthenticator
	switch {
	case cfg.JWTSecret != "":
		chain = append(chain, &hmacAuthenticator{secret: []byte(cfg.JWTSecret)})
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.NewDefault([]string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		chain = append(chain, &jwksAuthenticator{jwks: jwks})
	}
	if len(cfg.APIKeyHashes) > 0 {
		keys := &apiKeyAuthenticator{}
		for _, h := range cfg.APIKeyHashes {
			keys.hashes = append(keys.hashes, []byte(h))
		}
		chain = append(chain, keys)
	}

	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

// chainAuthenticator tries each authenticator in order.
type chainAuthenticator []Authenticator

func (c chainAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	for _, a := range c {
		if sub, err := a.Authenticate(ctx, token); err == nil {
			return sub, nil
		}
	}
	return "", ErrUnauthorized
}

// apiKeyAuthenticator accepts static keys whose bcrypt hash is configured.
// The subject is "api-key-N" for the Nth configured hash.
type apiKeyAuthenticator struct {
	hashes [][]byte
}

func (a *apiKeyAuthenticator) Authenticate(_ context.Context, key string) (string, error) {
	if key == "" || len(key) > 72 {
		return "", ErrUnauthorized
	}
	for i, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return fmt.Sprintf("api-key-%d", i+1), nil
		}
	}
	return "", ErrUnauthorized
}

// HashAPIKey returns the bcrypt hash to put in api.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// IssueToken signs an HS256 token for subject that the shared-secret
// authenticator accepts.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("no jwt secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// hmacAuthenticator accepts HS256 tokens signed with a shared secret.
type hmacAuthenticator struct {
	secret []byte
}

func (a *hmacAuthenticator) Authenticate(_ context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	return subject(token)
}

// jwksAuthenticator accepts tokens signed by any key in a remote JWKS.
type jwksAuthenticator struct {
	jwks keyfunc.Keyfunc
}

func (a *jwksAuthenticator) Authenticate(ctx context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, a.jwks.KeyfuncCtx(ctx), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	return subject(token)
}

func subject(token *jwt.Token) (string, error) {
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrUnauthorized
	}
	return sub, nil
}
