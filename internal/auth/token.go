package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

const tokenFileMode = 0o600

// TokenStore persists an OAuth2 token as JSON on disk. The file is only
// readable by the current user.
type TokenStore struct {
	path string
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

func (store *TokenStore) Path() string { return store.path }

// Load reads the token from disk. If no token has been saved, the returned
// error wraps ErrNotAuthenticated.
func (store *TokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(store.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no token at %s", ErrNotAuthenticated, store.path)
		}
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token file %s is corrupt: %w", store.path, err)
	}

	return &token, nil
}

// Save writes the token to disk, replacing any existing token. The token is
// written to a temporary file and renamed so a concurrent reader never sees
// a partially written token.
func (store *TokenStore) Save(token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(store.path), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(store.path), "."+filepath.Base(store.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(tokenFileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), store.path)
}

// Remove deletes the saved token, if any.
func (store *TokenStore) Remove() error {
	if err := os.Remove(store.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// persistingTokenSource wraps a refreshing token source and saves every new
// token it yields, so a refreshed access token survives between runs.
type persistingTokenSource struct {
	mu    sync.Mutex
	base  oauth2.TokenSource
	store *TokenStore
	last  string
}

func (source *persistingTokenSource) Token() (*oauth2.Token, error) {
	source.mu.Lock()
	defer source.mu.Unlock()

	token, err := source.base.Token()
	if err != nil {
		return nil, err
	}

	if token.AccessToken != source.last {
		if err := source.store.Save(token); err != nil {
			log.Warnf("Failed to persist refreshed token to %s: %v\n", source.store.Path(), err)
		} else {
			log.Debugf("Persisted refreshed token to %s\n", source.store.Path())
		}
		source.last = token.AccessToken
	}

	return token, nil
}
