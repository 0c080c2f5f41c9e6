package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveforge/msdrive/internal/config"
)

// saveFlags snapshots the global flag and config state and restores it after
// the test. Flag globals are shared across the package's tests.
func saveFlags(t *testing.T) {
	t.Helper()

	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldCfg := resolvedCfg

	t.Cleanup(func() {
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		resolvedCfg = oldCfg
	})
}

func TestBuildLogger_Default(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_ConfigLevel(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()
	resolvedCfg.LogLevel = "warn"

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_VerboseBeatsConfig(t *testing.T) {
	saveFlags(t)

	flagVerbose = true
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()
	resolvedCfg.LogLevel = "error"

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = true
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{
		"login", "logout", "whoami",
		"ls", "stat", "get", "put",
		"mkdir", "rm", "mv", "cp",
		"share", "transfers",
	}

	registered := map[string]bool{}
	for _, sub := range cmd.Commands() {
		registered[sub.Name()] = true
	}

	for _, name := range expected {
		assert.True(t, registered[name], "missing subcommand %q", name)
	}
}

func TestTransferOptions_FromConfig(t *testing.T) {
	saveFlags(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Transfers.FragmentSize = 5242880
	resolvedCfg.Transfers.MaxAttempts = 7
	resolvedCfg.Transfers.LegacyFragments = true

	opts := transferOptions(nil)

	assert.Equal(t, int64(5242880), opts.FragmentSize)
	assert.Equal(t, 7, opts.MaxAttempts)
	assert.True(t, opts.LegacyFragments)
	assert.Nil(t, opts.Progress)
}

func TestTokenStoreConfig_FallsBackToPublicClient(t *testing.T) {
	saveFlags(t)

	resolvedCfg = config.DefaultConfig()

	logger := slog.Default()

	cfg := tokenStoreConfig(logger)
	assert.NotEmpty(t, cfg.ClientID)

	resolvedCfg.Auth.ClientID = "custom-client"

	cfg = tokenStoreConfig(logger)
	assert.Equal(t, "custom-client", cfg.ClientID)
	require.NotNil(t, cfg.HTTPClient)
}
