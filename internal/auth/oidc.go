package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig describes the identity provider used for refresh-token login.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OIDCSource exchanges a stored refresh token for ID tokens. Each returned
// id_token is verified against the issuer's keys before use. Rotated refresh
// tokens are handed to OnRefresh so they can be persisted.
type OIDCSource struct {
	cfg          OIDCConfig
	refreshToken func() (string, error)
	onRefresh    func(string)
	logger       *slog.Logger

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	source   oauth2.TokenSource
	current  string
}

// OIDCOption configures an OIDCSource.
type OIDCOption func(*OIDCSource)

// WithRefreshCallback is called with every new refresh token issued.
func WithRefreshCallback(fn func(string)) OIDCOption {
	return func(s *OIDCSource) {
		s.onRefresh = fn
	}
}

// WithOIDCLogger sets the logger.
func WithOIDCLogger(logger *slog.Logger) OIDCOption {
	return func(s *OIDCSource) {
		s.logger = logger
	}
}

// NewOIDCSource creates a source; refreshToken is read lazily so a token
// stored after startup is found.
func NewOIDCSource(cfg OIDCConfig, refreshToken func() (string, error), opts ...OIDCOption) *OIDCSource {
	s := &OIDCSource{
		cfg:          cfg,
		refreshToken: refreshToken,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OIDCSource) init(ctx context.Context) error {
	if s.verifier != nil {
		return nil
	}
	// Discovery keys are fetched later through this context, so it must
	// outlive the caller's.
	base := context.WithoutCancel(ctx)
	provider, err := oidc.NewProvider(base, s.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("discover OIDC issuer %s: %w", s.cfg.Issuer, err)
	}
	scopes := s.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}
	s.oauth = &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	s.verifier = provider.Verifier(&oidc.Config{ClientID: s.cfg.ClientID})
	return nil
}

func (s *OIDCSource) Token(ctx context.Context) (string, error) {
	if s.cfg.Issuer == "" || s.cfg.ClientID == "" {
		return "", ErrNoCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		rt, err := s.refreshToken()
		if err != nil || rt == "" {
			return "", ErrNoCredential
		}
		if err := s.init(ctx); err != nil {
			return "", err
		}
		s.current = rt
		s.source = s.oauth.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: rt})
	}

	tok, err := s.source.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// Revoked or expired refresh token: start over from storage next time.
			s.source = nil
			return "", fmt.Errorf("%w: refresh rejected: %v", ErrNoCredential, err)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != s.current {
		s.current = tok.RefreshToken
		if s.onRefresh != nil {
			s.onRefresh(tok.RefreshToken)
		}
	}

	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return "", fmt.Errorf("%w: token response has no id_token", ErrNoCredential)
	}
	idTok, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("verify id_token: %w", err)
	}
	s.logger.Debug("Refreshed ID token", "subject", idTok.Subject, "expires", idTok.Expiry)
	return raw, nil
}
