package msgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/driveforge/msdrive/internal/tokenfile"
)

// DefaultTokenURL is the v2.0 token endpoint for the common tenant.
const DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

// refreshGroupKey is the singleflight key for token refreshes. There is only
// one cached token per store, so all callers share one key.
const refreshGroupKey = "refresh"

// TokenStoreConfig configures a TokenStore.
type TokenStoreConfig struct {
	ClientID     string
	ClientSecret string // optional; confidential clients only
	RedirectURI  string
	Scope        string // optional; space-separated
	TokenURL     string // defaults to DefaultTokenURL

	// AuthCode is a one-time authorization code obtained interactively.
	// Consumed by the first exchange; cleared afterwards.
	AuthCode string

	// TokenPath, when set, persists every replaced token via tokenfile so
	// refreshes survive process restarts.
	TokenPath string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TokenStore owns the single process-wide current access token. A cached
// token whose expiry is strictly in the future is served without I/O;
// otherwise the store performs a refresh-token or authorization-code
// exchange against the token endpoint and replaces the cached token
// wholesale. Concurrent refreshes are coalesced so only one exchange is in
// flight at a time.
type TokenStore struct {
	cfg        TokenStoreConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	current  *oauth2.Token
	authCode string

	group singleflight.Group

	// now is a test hook for expiry checks.
	now func() time.Time
}

// NewTokenStore creates a store with the given config and an optional
// initial token (may be nil).
func NewTokenStore(cfg TokenStoreConfig, initial *oauth2.Token) *TokenStore {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenStore{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		current:    initial,
		authCode:   cfg.AuthCode,
		now:        time.Now,
	}
}

// NewTokenStoreFromFile creates a store seeded from a saved token file.
// Returns ErrNotLoggedIn if no token file exists at cfg.TokenPath.
func NewTokenStoreFromFile(cfg TokenStoreConfig) (*TokenStore, error) {
	tok, _, err := tokenfile.Load(cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	return NewTokenStore(cfg, tok), nil
}

// Token returns a valid bearer access token, refreshing or exchanging as
// needed. Implements the TokenSource interface consumed by Client.
//
// Returns ErrAuthorizationRequired when no cached token, refresh token, or
// authorization code is available, an expected outcome the caller must
// branch on, not a hard failure.
func (ts *TokenStore) Token(ctx context.Context) (string, error) {
	if tok := ts.cached(); tok != "" {
		return tok, nil
	}

	// Coalesce concurrent refreshes: only one exchange in flight, every
	// waiter receives its result.
	v, err, _ := ts.group.Do(refreshGroupKey, func() (any, error) {
		// A racing caller may have replaced the token while we waited.
		if tok := ts.cached(); tok != "" {
			return tok, nil
		}

		return ts.acquire(ctx)
	})
	if err != nil {
		return "", err
	}

	tok, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("msgraph: unexpected refresh result type %T", v)
	}

	return tok, nil
}

// cached returns the current access token if its expiry is strictly in the
// future, otherwise "".
func (ts *TokenStore) cached() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.current == nil || ts.current.AccessToken == "" {
		return ""
	}

	if !ts.current.Expiry.IsZero() && !ts.current.Expiry.After(ts.now()) {
		return ""
	}

	return ts.current.AccessToken
}

// acquire performs the refresh-token or authorization-code exchange and
// replaces the cached token. Called with refreshes already serialized by
// the singleflight group.
func (ts *TokenStore) acquire(ctx context.Context) (string, error) {
	ts.mu.RLock()
	refreshToken := ""
	if ts.current != nil {
		refreshToken = ts.current.RefreshToken
	}
	authCode := ts.authCode
	ts.mu.RUnlock()

	var (
		tok *oauth2.Token
		err error
	)

	switch {
	case refreshToken != "":
		ts.logger.Debug("refreshing access token")
		tok, err = ts.exchange(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}, refreshToken)

	case authCode != "":
		ts.logger.Debug("exchanging authorization code")
		tok, err = ts.exchange(ctx, url.Values{
			"grant_type": {"authorization_code"},
			"code":       {authCode},
		}, "")

	default:
		return "", ErrAuthorizationRequired
	}

	if err != nil {
		return "", err
	}

	ts.replace(tok, authCode != "")

	return tok.AccessToken, nil
}

// tokenResponse is the JSON payload of a successful token endpoint call.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// tokenErrorResponse is the JSON payload of a rejected token endpoint call.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchange POSTs a form-urlencoded grant to the token endpoint and builds a
// complete replacement token. prevRefresh is carried into the new token when
// the endpoint omits a rotated refresh token.
func (ts *TokenStore) exchange(ctx context.Context, grant url.Values, prevRefresh string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id": {ts.cfg.ClientID},
	}

	if ts.cfg.ClientSecret != "" {
		form.Set("client_secret", ts.cfg.ClientSecret)
	}

	if ts.cfg.RedirectURI != "" {
		form.Set("redirect_uri", ts.cfg.RedirectURI)
	}

	if ts.cfg.Scope != "" {
		form.Set("scope", ts.cfg.Scope)
	}

	for k, vs := range grant {
		form[k] = vs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("msgraph: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, &TokenError{Err: fmt.Errorf("token endpoint request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TokenError{Err: fmt.Errorf("reading token response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, parseTokenError(raw)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &TokenError{Raw: string(raw), Err: fmt.Errorf("decoding token response: %w", err)}
	}

	if tr.AccessToken == "" {
		return nil, &TokenError{Raw: string(raw), Err: fmt.Errorf("token response missing access_token")}
	}

	refresh := tr.RefreshToken
	if refresh == "" {
		refresh = prevRefresh
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: refresh,
		TokenType:    tr.TokenType,
	}

	if tr.ExpiresIn > 0 {
		tok.Expiry = ts.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return tok, nil
}

// parseTokenError decodes a non-2xx token endpoint body. Undecodable bodies
// still surface as a TokenError carrying the raw text.
func parseTokenError(raw []byte) *TokenError {
	var ter tokenErrorResponse
	if err := json.Unmarshal(raw, &ter); err != nil {
		return &TokenError{Raw: string(raw), Err: fmt.Errorf("decoding token error response: %w", err)}
	}

	if ter.Error == "" && ter.ErrorDescription == "" {
		return &TokenError{Raw: string(raw), Err: fmt.Errorf("token endpoint returned an empty error payload")}
	}

	return &TokenError{Code: ter.Error, Description: ter.ErrorDescription, Raw: string(raw)}
}

// replace swaps in the new token wholesale and persists it when configured.
// consumedCode clears the one-time authorization code.
func (ts *TokenStore) replace(tok *oauth2.Token, consumedCode bool) {
	ts.mu.Lock()
	ts.current = tok
	if consumedCode {
		ts.authCode = ""
	}
	ts.mu.Unlock()

	ts.logger.Info("access token replaced",
		slog.Time("expiry", tok.Expiry),
	)

	if ts.cfg.TokenPath == "" {
		return
	}

	if err := tokenfile.Save(ts.cfg.TokenPath, tok, nil); err != nil {
		ts.logger.Warn("failed to persist refreshed token",
			slog.String("path", ts.cfg.TokenPath),
			slog.String("error", err.Error()),
		)
	}
}
