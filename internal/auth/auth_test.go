package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/inercia/avatalk/internal/secrets"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

func signClaims(t *testing.T, key *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: key, KeyID: "k1", Algorithm: string(jose.RS256)},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return raw
}

func TestTokenExpiry(t *testing.T) {
	key := newTestKey(t)
	exp := time.Unix(2_000_000_000, 0)
	raw := signClaims(t, key, jwt.Claims{Subject: "u", Expiry: jwt.NewNumericDate(exp)})

	got, ok := TokenExpiry(raw)
	if !ok || !got.Equal(exp) {
		t.Errorf("TokenExpiry() = %v, %v; want %v", got, ok, exp)
	}

	if _, ok := TokenExpiry("opaque-token"); ok {
		t.Error("TokenExpiry() on opaque token reported an expiry")
	}

	noExp := signClaims(t, key, jwt.Claims{Subject: "u"})
	if _, ok := TokenExpiry(noExp); ok {
		t.Error("TokenExpiry() reported an expiry for a token without exp")
	}
}

func TestStaticSource(t *testing.T) {
	key := newTestKey(t)
	now := time.Unix(1_700_000_000, 0)
	fresh := signClaims(t, key, jwt.Claims{Expiry: jwt.NewNumericDate(now.Add(time.Hour))})
	stale := signClaims(t, key, jwt.Claims{Expiry: jwt.NewNumericDate(now.Add(-time.Minute))})

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "opaque", token: "abc123"},
		{name: "fresh jwt", token: fresh},
		{name: "expired jwt", token: stale, wantErr: true},
		{name: "empty", token: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewStaticSource(tt.token)
			src.now = func() time.Time { return now }
			got, err := src.Token(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrNoCredential) {
					t.Errorf("Token() error = %v, want ErrNoCredential", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if got != tt.token {
				t.Errorf("Token() = %q", got)
			}
		})
	}
}

func TestKeychainSource(t *testing.T) {
	store := secrets.NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	src := NewKeychainSource(store, secrets.AccountBearerToken)

	if _, err := src.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Token() on empty store error = %v, want ErrNoCredential", err)
	}
	if err := store.Set(secrets.ServiceName, secrets.AccountBearerToken, "stored"); err != nil {
		t.Fatal(err)
	}
	got, err := src.Token(context.Background())
	if err != nil || got != "stored" {
		t.Errorf("Token() = %q, %v", got, err)
	}

	noop := NewKeychainSource(&secrets.NoopStore{}, secrets.AccountBearerToken)
	if _, err := noop.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token() on unsupported store error = %v, want ErrNoCredential", err)
	}
}

func TestChain(t *testing.T) {
	none := SourceFunc(func(context.Context) (string, error) { return "", ErrNoCredential })
	broken := SourceFunc(func(context.Context) (string, error) { return "", errors.New("keychain locked") })
	good := SourceFunc(func(context.Context) (string, error) { return "tok", nil })

	got, err := Chain{none, nil, broken, good}.Token(context.Background())
	if err != nil || got != "tok" {
		t.Errorf("Token() = %q, %v; want tok", got, err)
	}

	_, err = Chain{none, broken}.Token(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token() error = %v, want ErrNoCredential", err)
	}

	if _, err := (Chain{}).Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("empty chain error = %v", err)
	}
}

// fakeIssuer serves OIDC discovery, JWKS and a refresh-token grant.
type fakeIssuer struct {
	srv       *httptest.Server
	key       *rsa.PrivateKey
	clientID  string
	refreshes atomic.Int32
	reject    atomic.Bool
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	fi := &fakeIssuer{key: newTestKey(t), clientID: "avatalk-cli"}
	mux := http.NewServeMux()
	fi.srv = httptest.NewServer(mux)
	t.Cleanup(fi.srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                fi.srv.URL,
			"authorization_endpoint":                fi.srv.URL + "/auth",
			"token_endpoint":                        fi.srv.URL + "/token",
			"jwks_uri":                              fi.srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &fi.key.PublicKey, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig",
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if fi.reject.Load() || r.PostForm.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		n := fi.refreshes.Add(1)
		now := time.Now()
		idToken := signClaims(t, fi.key, jwt.Claims{
			Issuer:   fi.srv.URL,
			Subject:  "user-1",
			Audience: jwt.Audience{fi.clientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-" + string(rune('0'+n)),
			"id_token":      idToken,
		})
	})
	return fi
}

func TestOIDCSource_Refresh(t *testing.T) {
	fi := newFakeIssuer(t)
	var rotated string
	src := NewOIDCSource(
		OIDCConfig{Issuer: fi.srv.URL, ClientID: fi.clientID},
		func() (string, error) { return "rt-0", nil },
		WithRefreshCallback(func(rt string) { rotated = rt }),
	)

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if exp, ok := TokenExpiry(tok); !ok || exp.Before(time.Now()) {
		t.Errorf("id_token expiry = %v, %v", exp, ok)
	}
	if rotated != "rt-1" {
		t.Errorf("rotated refresh token = %q, want rt-1", rotated)
	}

	// The access token is still valid, so no second refresh happens.
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("second Token() error = %v", err)
	}
	if n := fi.refreshes.Load(); n != 1 {
		t.Errorf("refresh grants = %d, want 1", n)
	}
}

func TestOIDCSource_NoRefreshToken(t *testing.T) {
	src := NewOIDCSource(
		OIDCConfig{Issuer: "http://127.0.0.1:1", ClientID: "x"},
		func() (string, error) { return "", secrets.ErrNotFound },
	)
	if _, err := src.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token() error = %v, want ErrNoCredential", err)
	}

	unconfigured := NewOIDCSource(OIDCConfig{}, func() (string, error) { return "rt", nil })
	if _, err := unconfigured.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token() error = %v, want ErrNoCredential", err)
	}
}

func TestOIDCSource_RejectedRefresh(t *testing.T) {
	fi := newFakeIssuer(t)
	fi.reject.Store(true)
	src := NewOIDCSource(
		OIDCConfig{Issuer: fi.srv.URL, ClientID: fi.clientID},
		func() (string, error) { return "revoked", nil },
	)
	if _, err := src.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token() error = %v, want ErrNoCredential", err)
	}
}
