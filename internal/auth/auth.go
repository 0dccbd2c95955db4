package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hbomb79/Photon/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/random"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
	callbackPath     = "/"
	stateLength      = 32
	shutdownTimeout  = 5 * time.Second
)

var (
	log = logger.Get("Auth")

	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrCredentialsMissing = errors.New("credentials file not found")
	ErrStateMismatch      = errors.New("oauth callback state does not match")
)

type (
	Config struct {
		CredentialsFile string
		TokenFile       string
		Scopes          []string
	}

	// Opener presents the consent URL to the user, typically by printing it
	// or launching a browser.
	Opener func(consentURL string) error

	Option func(*Authenticator)

	// Authenticator performs the OAuth2 installed-app flow against Google and
	// manages the resulting token. The consent redirect is received by a
	// short-lived loopback HTTP server bound to 127.0.0.1 on a random port.
	Authenticator struct {
		config    Config
		store     *TokenStore
		open      Opener
		revokeURL string

		mu          sync.Mutex
		oauthConfig *oauth2.Config
		token       *oauth2.Token
	}

	callbackResult struct {
		code string
		err  error
	}
)

// WithOpener overrides how the consent URL is presented to the user.
func WithOpener(open Opener) Option {
	return func(a *Authenticator) { a.open = open }
}

// WithOAuthConfig supplies the OAuth2 client configuration directly, rather
// than loading it from the credentials file.
func WithOAuthConfig(config *oauth2.Config) Option {
	return func(a *Authenticator) { a.oauthConfig = config }
}

func WithRevokeURL(revokeURL string) Option {
	return func(a *Authenticator) { a.revokeURL = revokeURL }
}

func New(config Config, opts ...Option) *Authenticator {
	a := &Authenticator{
		config:    config,
		store:     NewTokenStore(config.TokenFile),
		open:      printConsentURL,
		revokeURL: defaultRevokeURL,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Authenticate ensures a usable token is available. Unless force is true, a
// saved token is reused (and refreshed if it has expired). Otherwise, or if
// the saved token cannot be used, the interactive consent flow is run.
func (a *Authenticator) Authenticate(ctx context.Context, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !force {
		if err := a.loadToken(ctx); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotAuthenticated) {
			log.Warnf("Saved token could not be used, re-authenticating: %v\n", err)
		}
	}

	token, err := a.runConsentFlow(ctx)
	if err != nil {
		return err
	}

	if err := a.store.Save(token); err != nil {
		return fmt.Errorf("failed to save token to %s: %w", a.store.Path(), err)
	}

	a.token = token
	log.Emit(logger.SUCCESS, "Authentication successful, token saved to %s\n", a.store.Path())
	return nil
}

// IsAuthenticated returns true if a token is available that is either
// still valid, or can be refreshed without user interaction.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	token := a.token
	if token == nil {
		saved, err := a.store.Load()
		if err != nil {
			return false
		}
		token = saved
	}

	return token.Valid() || token.RefreshToken != ""
}

// HTTPClient returns an HTTP client which authorises every request with the
// current token, refreshing (and persisting) it as required. If no token is
// available the consent flow is run first.
func (a *Authenticator) HTTPClient(ctx context.Context) (*http.Client, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	if token == nil {
		if err := a.Authenticate(ctx, false); err != nil {
			return nil, err
		}

		a.mu.Lock()
		token = a.token
		a.mu.Unlock()
	}

	a.mu.Lock()
	config, err := a.loadOAuthConfig()
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	source := &persistingTokenSource{base: config.TokenSource(ctx, token), store: a.store, last: token.AccessToken}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, source)), nil
}

// Revoke asks Google to revoke the current token and removes the saved token
// file. A failure to revoke remotely is logged but does not prevent the local
// token from being removed.
func (a *Authenticator) Revoke(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	token := a.token
	if token == nil {
		if saved, err := a.store.Load(); err == nil {
			token = saved
		}
	}

	if token != nil {
		if err := a.revokeRemote(ctx, token); err != nil {
			log.Warnf("Failed to revoke token with provider: %v\n", err)
		} else {
			log.Emit(logger.REMOVE, "Token revoked\n")
		}
	}

	a.token = nil
	if err := a.store.Remove(); err != nil {
		return fmt.Errorf("failed to remove token file %s: %w", a.store.Path(), err)
	}

	return nil
}

// loadToken loads the saved token in to memory, refreshing it if it has
// expired. Must be called with the lock held.
func (a *Authenticator) loadToken(ctx context.Context) error {
	token := a.token
	if token == nil {
		saved, err := a.store.Load()
		if err != nil {
			return err
		}
		token = saved
	}

	if token.Valid() {
		a.token = token
		return nil
	}

	if token.RefreshToken == "" {
		return fmt.Errorf("%w: saved token has expired and cannot be refreshed", ErrNotAuthenticated)
	}

	config, err := a.loadOAuthConfig()
	if err != nil {
		return err
	}

	refreshed, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := a.store.Save(refreshed); err != nil {
		log.Warnf("Failed to persist refreshed token: %v\n", err)
	}

	log.Debugf("Refreshed expired token\n")
	a.token = refreshed
	return nil
}

// loadOAuthConfig must be called with the lock held.
func (a *Authenticator) loadOAuthConfig() (*oauth2.Config, error) {
	if a.oauthConfig != nil {
		return a.oauthConfig, nil
	}

	data, err := os.ReadFile(a.config.CredentialsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (download an OAuth client for a desktop app from the Google Cloud Console)", ErrCredentialsMissing, a.config.CredentialsFile)
		}
		return nil, err
	}

	config, err := google.ConfigFromJSON(data, a.config.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", a.config.CredentialsFile, err)
	}

	a.oauthConfig = config
	return config, nil
}

// runConsentFlow starts the loopback callback server, presents the consent
// URL and waits for the redirect (or for the context to be cancelled). The
// authorisation code is exchanged using PKCE.
func (a *Authenticator) runConsentFlow(ctx context.Context) (*oauth2.Token, error) {
	base, err := a.loadOAuthConfig()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start loopback listener: %w", err)
	}

	config := *base
	config.RedirectURL = fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)

	state := random.String(stateLength, random.Alphanumeric)
	verifier := oauth2.GenerateVerifier()
	results := make(chan callbackResult, 1)

	ec := echo.New()
	ec.HideBanner = true
	ec.HidePort = true
	ec.Listener = listener
	ec.GET(callbackPath, func(c echo.Context) error {
		result := parseCallback(c.QueryParams(), state)
		select {
		case results <- result:
		default:
		}

		if result.err != nil {
			return c.String(http.StatusBadRequest, "Authentication failed: "+result.err.Error())
		}
		return c.String(http.StatusOK, "Authentication complete. You may close this window and return to Photon.")
	})

	go func() {
		if err := ec.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- callbackResult{err: fmt.Errorf("loopback server failed: %w", err)}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ec.Shutdown(shutdownCtx)
		listener.Close()
	}()

	consentURL := config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))
	if err := a.open(consentURL); err != nil {
		return nil, err
	}

	var result callbackResult
	select {
	case result = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.err != nil {
		return nil, result.err
	}

	token, err := config.Exchange(ctx, result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorisation code: %w", err)
	}

	return token, nil
}

func (a *Authenticator) revokeRemote(ctx context.Context, token *oauth2.Token) error {
	value := token.RefreshToken
	if value == "" {
		value = token.AccessToken
	}

	form := url.Values{"token": {value}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed with HTTP %d", resp.StatusCode)
	}

	return nil
}

func parseCallback(query url.Values, expectedState string) callbackResult {
	if query.Get("state") != expectedState {
		return callbackResult{err: ErrStateMismatch}
	}
	if reason := query.Get("error"); reason != "" {
		return callbackResult{err: fmt.Errorf("consent was not granted: %s", reason)}
	}

	code := query.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("callback is missing the authorisation code")}
	}

	return callbackResult{code: code}
}

func printConsentURL(consentURL string) error {
	fmt.Printf("Open the following URL in your browser to authorise Photon:\n\n%s\n\n", consentURL)
	return nil
}
