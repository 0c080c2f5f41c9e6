package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/driveforge/msdrive/internal/config"
	"github.com/driveforge/msdrive/internal/msgraph"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// httpClientTimeout prevents hung connections from blocking CLI commands
// indefinitely. Chunk PUTs of the default fragment size fit comfortably.
const httpClientTimeout = 5 * time.Minute

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "msdrive",
		Short:   "Cloud drive CLI client",
		Long:    "A CLI client for Graph-style cloud file storage with resumable uploads.",
		Version: version,
		// Silence cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newCpCmd())
	cmd.AddCommand(newShareCmd())
	cmd.AddCommand(newTransfersCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg for use by subcommands.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// tokenStoreConfig maps the resolved config's auth section onto the token
// store, falling back to the built-in public client.
func tokenStoreConfig(logger *slog.Logger) msgraph.TokenStoreConfig {
	cfg := msgraph.TokenStoreConfig{
		ClientID:     msgraph.DefaultClientID,
		ClientSecret: resolvedCfg.Auth.ClientSecret,
		RedirectURI:  resolvedCfg.Auth.RedirectURI,
		Scope:        resolvedCfg.Auth.Scope,
		TokenURL:     resolvedCfg.Auth.TokenURL,
		TokenPath:    config.TokenPath(),
		HTTPClient:   defaultHTTPClient(),
		Logger:       logger,
	}

	if resolvedCfg.Auth.ClientID != "" {
		cfg.ClientID = resolvedCfg.Auth.ClientID
	}

	return cfg
}

// newClient builds an API client backed by the saved token.
func newClient(_ context.Context) (*msgraph.Client, *slog.Logger, error) {
	logger := buildLogger()

	store, err := msgraph.NewTokenStoreFromFile(tokenStoreConfig(logger))
	if err != nil {
		if errors.Is(err, msgraph.ErrNotLoggedIn) {
			return nil, nil, fmt.Errorf("not logged in, run 'msdrive login' first")
		}

		return nil, nil, err
	}

	baseURL := msgraph.DefaultBaseURL
	if resolvedCfg.API.BaseURL != "" {
		baseURL = resolvedCfg.API.BaseURL
	}

	return msgraph.NewClient(baseURL, defaultHTTPClient(), store, logger), logger, nil
}

// transferOptions maps the resolved config's transfer section onto engine
// options.
func transferOptions(progress func(msgraph.TransferProgress)) msgraph.TransferOptions {
	return msgraph.TransferOptions{
		FragmentSize:    resolvedCfg.Transfers.FragmentSize,
		LegacyFragments: resolvedCfg.Transfers.LegacyFragments,
		MaxAttempts:     resolvedCfg.Transfers.MaxAttempts,
		Progress:        progress,
	}
}
