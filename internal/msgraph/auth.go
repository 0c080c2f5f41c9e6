package msgraph

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/driveforge/msdrive/internal/tokenfile"
)

// DefaultClientID is the registered public client (multi-tenant + personal).
const DefaultClientID = "b9f86d65-dc10-4a1c-a33d-fa19b7e6cf58"

// DefaultScopes requested at login. offline_access yields a refresh token
// so the token store can renew without user interaction.
var DefaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// DeviceAuth holds the device code response fields the CLI displays.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login performs the device code OAuth2 flow:
//  1. Requests a device code
//  2. Calls display so the CLI can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//  4. Saves the token to disk at tokenPath
//  5. Returns a TokenStore seeded with the fresh token
//
// The caller computes tokenPath (via config); this package has no config
// import.
func Login(
	ctx context.Context,
	tokenPath string,
	display func(DeviceAuth),
	logger *slog.Logger,
) (*TokenStore, error) {
	cfg := &oauth2.Config{
		ClientID: DefaultClientID,
		Scopes:   DefaultScopes,
		Endpoint: microsoft.AzureADEndpoint("common"),
	}

	return doLogin(ctx, tokenPath, cfg, display, logger)
}

// doLogin implements the device code flow. Accepts a pre-built oauth2.Config
// so tests can inject a mock endpoint.
func doLogin(
	ctx context.Context,
	tokenPath string,
	cfg *oauth2.Config,
	display func(DeviceAuth),
	logger *slog.Logger,
) (*TokenStore, error) {
	logger.Info("starting device code auth flow",
		slog.String("path", tokenPath),
	)

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgraph: device auth request failed: %w", err)
	}

	logger.Info("device code received, waiting for user authorization")

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("msgraph: device code authorization failed: %w", err)
	}

	logger.Info("user authorized, saving token",
		slog.Time("expiry", tok.Expiry),
	)

	if saveErr := tokenfile.Save(tokenPath, tok, nil); saveErr != nil {
		return nil, fmt.Errorf("msgraph: saving token: %w", saveErr)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return NewTokenStore(TokenStoreConfig{
		ClientID:  cfg.ClientID,
		TokenPath: tokenPath,
		Logger:    logger,
	}, tok), nil
}

// Logout removes the saved token file at the given path.
// Returns nil if the token file does not exist (already logged out).
func Logout(tokenPath string, logger *slog.Logger) error {
	if err := tokenfile.Remove(tokenPath); err != nil {
		return fmt.Errorf("msgraph: removing token file: %w", err)
	}

	logger.Info("logout: token file removed",
		slog.String("path", tokenPath),
	)

	return nil
}
