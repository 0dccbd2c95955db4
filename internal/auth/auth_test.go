package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Photon/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type providerStub struct {
	server       *httptest.Server
	tokenCalls   atomic.Int32
	revoked      atomic.Value
	issuedAccess string
}

// newProvider starts a fake OAuth provider exposing a token and revocation
// endpoint. Every token request is answered with the access token provided.
func newProvider(t *testing.T, issuedAccess string) *providerStub {
	stub := &providerStub{issuedAccess: issuedAccess}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		stub.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") == "authorization_code" {
			assert.Equal(t, "the-code", r.PostForm.Get("code"))
			assert.NotEmpty(t, r.PostForm.Get("code_verifier"), "PKCE verifier is sent")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  stub.issuedAccess,
			"token_type":    "Bearer",
			"refresh_token": "refresh-token",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		stub.revoked.Store(r.PostForm.Get("token"))
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (stub *providerStub) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scopes:       []string{"scope-a"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.invalid/auth",
			TokenURL: stub.server.URL + "/token",
		},
	}
}

func newAuthenticator(t *testing.T, stub *providerStub, opener auth.Opener) (*auth.Authenticator, *auth.TokenStore) {
	tokenFile := filepath.Join(t.TempDir(), "nested", "token.json")
	if opener == nil {
		opener = func(string) error {
			t.Error("consent flow should not be started")
			return errors.New("unexpected consent")
		}
	}

	a := auth.New(
		auth.Config{CredentialsFile: "unused.json", TokenFile: tokenFile},
		auth.WithOAuthConfig(stub.oauthConfig()),
		auth.WithRevokeURL(stub.server.URL+"/revoke"),
		auth.WithOpener(opener),
	)

	return a, auth.NewTokenStore(tokenFile)
}

// consentingUser follows the consent URL as a browser would after the user
// grants access, delivering the state and code provided to the redirect.
func consentingUser(t *testing.T, state func(string) string) auth.Opener {
	return func(consentURL string) error {
		u, err := url.Parse(consentURL)
		require.NoError(t, err)

		query := u.Query()
		assert.Equal(t, "offline", query.Get("access_type"))
		assert.Equal(t, "S256", query.Get("code_challenge_method"))
		redirect := query.Get("redirect_uri")
		assert.True(t, strings.HasPrefix(redirect, "http://127.0.0.1:"), "redirect %s is loopback", redirect)

		callback := redirect + "?" + url.Values{"state": {state(query.Get("state"))}, "code": {"the-code"}}.Encode()
		resp, err := http.Get(callback)
		require.NoError(t, err)
		resp.Body.Close()
		return nil
	}
}

func TestTokenStore(t *testing.T) {
	store := auth.NewTokenStore(filepath.Join(t.TempDir(), "token.json"))

	_, err := store.Load()
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)

	token := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour).Round(time.Second)}
	require.NoError(t, store.Save(token))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access", loaded.AccessToken)
	assert.Equal(t, "refresh", loaded.RefreshToken)
	assert.True(t, token.Expiry.Equal(loaded.Expiry))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files remain")

	require.NoError(t, store.Remove())
	require.NoError(t, store.Remove(), "removing a missing token is not an error")

	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))
	_, err = store.Load()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrNotAuthenticated)
}

func TestIsAuthenticated(t *testing.T) {
	tests := []struct {
		name     string
		token    *oauth2.Token
		expected bool
	}{
		{"NoToken", nil, false},
		{"Valid", &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}, true},
		{"ExpiredRefreshable", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}, true},
		{"ExpiredNotRefreshable", &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a, store := newAuthenticator(t, newProvider(t, "unused"), nil)
			if test.token != nil {
				require.NoError(t, store.Save(test.token))
			}

			assert.Equal(t, test.expected, a.IsAuthenticated())
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Run("ReusesValidSavedToken", func(t *testing.T) {
		stub := newProvider(t, "unused")
		a, store := newAuthenticator(t, stub, nil)
		require.NoError(t, store.Save(&oauth2.Token{AccessToken: "saved", Expiry: time.Now().Add(time.Hour)}))

		require.NoError(t, a.Authenticate(context.Background(), false))
		assert.Equal(t, int32(0), stub.tokenCalls.Load())
	})

	t.Run("RefreshesExpiredToken", func(t *testing.T) {
		stub := newProvider(t, "refreshed")
		a, store := newAuthenticator(t, stub, nil)
		require.NoError(t, store.Save(&oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-token", Expiry: time.Now().Add(-time.Hour)}))

		require.NoError(t, a.Authenticate(context.Background(), false))
		assert.Equal(t, int32(1), stub.tokenCalls.Load())

		saved, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "refreshed", saved.AccessToken, "refreshed token is persisted")
	})

	t.Run("RunsConsentFlowWithoutToken", func(t *testing.T) {
		stub := newProvider(t, "fresh")
		a, store := newAuthenticator(t, stub, consentingUser(t, func(s string) string { return s }))

		require.NoError(t, a.Authenticate(context.Background(), false))
		assert.True(t, a.IsAuthenticated())

		saved, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "fresh", saved.AccessToken)
		assert.Equal(t, "refresh-token", saved.RefreshToken)
	})

	t.Run("ForceIgnoresSavedToken", func(t *testing.T) {
		stub := newProvider(t, "forced")
		a, store := newAuthenticator(t, stub, consentingUser(t, func(s string) string { return s }))
		require.NoError(t, store.Save(&oauth2.Token{AccessToken: "saved", Expiry: time.Now().Add(time.Hour)}))

		require.NoError(t, a.Authenticate(context.Background(), true))
		saved, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "forced", saved.AccessToken)
	})

	t.Run("RejectsMismatchedState", func(t *testing.T) {
		stub := newProvider(t, "never")
		a, store := newAuthenticator(t, stub, consentingUser(t, func(string) string { return "forged" }))

		err := a.Authenticate(context.Background(), false)
		assert.ErrorIs(t, err, auth.ErrStateMismatch)
		assert.Equal(t, int32(0), stub.tokenCalls.Load(), "code is never exchanged")

		_, err = store.Load()
		assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	})

	t.Run("CancelledWhileWaiting", func(t *testing.T) {
		stub := newProvider(t, "never")
		ctx, cancel := context.WithCancel(context.Background())
		a, _ := newAuthenticator(t, stub, func(string) error {
			cancel()
			return nil
		})

		assert.ErrorIs(t, a.Authenticate(ctx, false), context.Canceled)
	})

	t.Run("MissingCredentialsFile", func(t *testing.T) {
		a := auth.New(auth.Config{CredentialsFile: filepath.Join(t.TempDir(), "credentials.json"), TokenFile: filepath.Join(t.TempDir(), "token.json")})
		assert.ErrorIs(t, a.Authenticate(context.Background(), false), auth.ErrCredentialsMissing)
	})
}

func TestHTTPClient_AuthorisesRequests(t *testing.T) {
	stub := newProvider(t, "unused")
	a, store := newAuthenticator(t, stub, nil)
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "saved", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}))

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer saved", r.Header.Get("Authorization"))
	}))
	defer api.Close()

	client, err := a.HTTPClient(context.Background())
	require.NoError(t, err)

	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestRevoke(t *testing.T) {
	stub := newProvider(t, "unused")
	a, store := newAuthenticator(t, stub, nil)
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}))
	require.True(t, a.IsAuthenticated())

	require.NoError(t, a.Revoke(context.Background()))
	assert.Equal(t, "refresh", stub.revoked.Load(), "refresh token is revoked in preference to access token")
	assert.NoFileExists(t, store.Path())
	assert.False(t, a.IsAuthenticated())
}
