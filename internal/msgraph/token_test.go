package msgraph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/driveforge/msdrive/internal/tokenfile"
)

func validToken(access, refresh string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func expiredToken(access, refresh string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Minute),
	}
}

func TestTokenStore_CachedTokenServedWithoutNetwork(t *testing.T) {
	// Nothing listens on port 1; any endpoint call would fail loudly.
	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: "http://127.0.0.1:1/token",
		Logger:   slog.Default(),
	}, validToken("cached-token", "refresh-1"))

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-token", tok)
}

func TestTokenStore_ExpiredTokenRefreshes(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Empty(t, r.PostForm.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "fresh-token",
			"refresh_token": "refresh-2",
			"token_type": "Bearer",
			"expires_in": 3600
		}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, expiredToken("stale-token", "refresh-1"))

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)

	// Second call serves the fresh token from cache.
	tok, err = store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.Equal(t, int32(1), calls.Load())

	// The rotated refresh token replaced the old one.
	store.mu.RLock()
	assert.Equal(t, "refresh-2", store.current.RefreshToken)
	store.mu.RUnlock()
}

func TestTokenStore_RefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "fresh-token", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, expiredToken("stale-token", "refresh-1"))

	_, err := store.Token(context.Background())
	require.NoError(t, err)

	store.mu.RLock()
	assert.Equal(t, "refresh-1", store.current.RefreshToken)
	store.mu.RUnlock()
}

func TestTokenStore_AuthCodeExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "one-time-code", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost:8080/callback", r.PostForm.Get("redirect_uri"))
		assert.Equal(t, "files.readwrite offline_access", r.PostForm.Get("scope"))
		assert.Empty(t, r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "first-token",
			"refresh_token": "refresh-1",
			"token_type": "Bearer",
			"expires_in": 3600
		}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID:    "client-1",
		RedirectURI: "http://localhost:8080/callback",
		Scope:       "files.readwrite offline_access",
		TokenURL:    srv.URL,
		AuthCode:    "one-time-code",
		Logger:      slog.Default(),
	}, nil)

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first-token", tok)

	// The one-time code is consumed by the successful exchange.
	store.mu.RLock()
	assert.Empty(t, store.authCode)
	store.mu.RUnlock()
}

func TestTokenStore_ClientSecretSentWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "shh", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "t", "token_type": "Bearer", "expires_in": 60}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID:     "client-1",
		ClientSecret: "shh",
		TokenURL:     srv.URL,
		Logger:       slog.Default(),
	}, expiredToken("stale", "refresh-1"))

	_, err := store.Token(context.Background())
	require.NoError(t, err)
}

func TestTokenStore_NoCredentialsNeedsAuthorization(t *testing.T) {
	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: "http://127.0.0.1:1/token",
		Logger:   slog.Default(),
	}, nil)

	_, err := store.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthorizationRequired)
}

func TestTokenStore_ExpiredWithoutRefreshNeedsAuthorization(t *testing.T) {
	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: "http://127.0.0.1:1/token",
		Logger:   slog.Default(),
	}, expiredToken("stale", ""))

	_, err := store.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthorizationRequired)
}

func TestTokenStore_EndpointErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "refresh token revoked"}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, expiredToken("stale", "refresh-1"))

	_, err := store.Token(context.Background())
	require.Error(t, err)

	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, "invalid_grant", tokErr.Code)
	assert.Equal(t, "refresh token revoked", tokErr.Description)
}

func TestTokenStore_EndpointGarbageErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `<html>bad gateway</html>`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, expiredToken("stale", "refresh-1"))

	_, err := store.Token(context.Background())
	require.Error(t, err)

	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Contains(t, tokErr.Raw, "bad gateway")
}

func TestTokenStore_MissingAccessTokenInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, expiredToken("stale", "refresh-1"))

	_, err := store.Token(context.Background())
	require.Error(t, err)

	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Contains(t, tokErr.Error(), "access_token")
}

func TestTokenStore_ConcurrentRefreshesCoalesce(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)

		// Hold the exchange open long enough for all callers to pile up.
		time.Sleep(50 * time.Millisecond)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "shared-token",
			"refresh_token": "refresh-2",
			"token_type": "Bearer",
			"expires_in": 3600
		}`)
	}))
	defer srv.Close()

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, expiredToken("stale", "refresh-1"))

	const callers = 10

	var wg sync.WaitGroup

	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Token(context.Background())
		}(i)
	}

	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-token", results[i])
	}

	assert.Equal(t, int32(1), calls.Load(), "concurrent refreshes must coalesce into one exchange")
}

func TestTokenStore_ExpiryBoundaryIsNotValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	boundary := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := NewTokenStore(TokenStoreConfig{
		ClientID: "client-1",
		TokenURL: srv.URL,
		Logger:   slog.Default(),
	}, &oauth2.Token{
		AccessToken:  "boundary-token",
		RefreshToken: "refresh-1",
		Expiry:       boundary,
	})
	store.now = func() time.Time { return boundary }

	// Expiry equal to now is stale; only a strictly future expiry is served.
	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}

func TestTokenStore_PersistsReplacedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "fresh-token",
			"refresh_token": "refresh-2",
			"token_type": "Bearer",
			"expires_in": 3600
		}`)
	}))
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	store := NewTokenStore(TokenStoreConfig{
		ClientID:  "client-1",
		TokenURL:  srv.URL,
		TokenPath: tokenPath,
		Logger:    slog.Default(),
	}, expiredToken("stale", "refresh-1"))

	_, err := store.Token(context.Background())
	require.NoError(t, err)

	saved, _, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)
}

func TestNewTokenStoreFromFile_MissingFile(t *testing.T) {
	_, err := NewTokenStoreFromFile(TokenStoreConfig{
		ClientID:  "client-1",
		TokenPath: filepath.Join(t.TempDir(), "token.json"),
		Logger:    slog.Default(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestNewTokenStoreFromFile_SeedsSavedToken(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(tokenPath, validToken("saved-token", "refresh-1"), nil))

	store, err := NewTokenStoreFromFile(TokenStoreConfig{
		ClientID:  "client-1",
		TokenPath: tokenPath,
		Logger:    slog.Default(),
	})
	require.NoError(t, err)

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "saved-token", tok)
}
