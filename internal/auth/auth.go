// Package auth provides the bearer token presented to the portal backend.
//
// Tokens come from a TokenSource. Sources are consulted on every connection
// attempt and REST call, so a token that expires or is replaced is picked up
// without restarting the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/inercia/avatalk/internal/secrets"
)

// ErrNoCredential is returned when no token is obtainable.
var ErrNoCredential = errors.New("no credential available")

// TokenSource yields a bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to TokenSource.
type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// signatureAlgorithms lists the algorithms accepted when parsing a token's
// claims. The signature itself is not verified here.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// TokenExpiry returns the exp claim of a JWT without verifying it. ok is
// false for opaque tokens and tokens without exp.
func TokenExpiry(raw string) (exp time.Time, ok bool) {
	tok, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return time.Time{}, false
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}
	return claims.Expiry.Time(), true
}

// StaticSource returns a fixed token. A JWT whose exp has passed is treated
// as absent.
type StaticSource struct {
	token string
	now   func() time.Time
}

// NewStaticSource creates a source for token.
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: strings.TrimSpace(token), now: time.Now}
}

func (s *StaticSource) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoCredential
	}
	if exp, ok := TokenExpiry(s.token); ok && !s.now().Before(exp) {
		return "", fmt.Errorf("%w: token expired at %s", ErrNoCredential, exp.Format(time.RFC3339))
	}
	return s.token, nil
}

// KeychainSource reads the token from a secret store.
type KeychainSource struct {
	store   secrets.SecretStore
	account string
}

// NewKeychainSource reads account under the avatalk service of store.
func NewKeychainSource(store secrets.SecretStore, account string) *KeychainSource {
	return &KeychainSource{store: store, account: account}
}

func (k *KeychainSource) Token(ctx context.Context) (string, error) {
	tok, err := k.store.Get(secrets.ServiceName, k.account)
	if errors.Is(err, secrets.ErrNotFound) || errors.Is(err, secrets.ErrNotSupported) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("read %s from secret store: %w", k.account, err)
	}
	// Stored tokens get the same expiry treatment as configured ones.
	return NewStaticSource(tok).Token(ctx)
}

// Chain tries each source in order; the first token wins.
type Chain []TokenSource

func (c Chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, src := range c {
		if src == nil {
			continue
		}
		tok, err := src.Token(ctx)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil && !errors.Is(err, ErrNoCredential) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %w", ErrNoCredential, errors.Join(errs...))
	}
	return "", ErrNoCredential
}
