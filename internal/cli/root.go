// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/logging"
	"github.com/jeranaias/rigrun-adapter/internal/service"
)

// SecretKeyEnv names the environment variable holding the passphrase that
// seals secrets in the config file.
const SecretKeyEnv = "RIGRUN_ADAPTER_SECRET_KEY"

// Version information (set at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// app carries the global flags and the lazily built store and service.
type app struct {
	configPath string
	logLevel   string
	jsonOutput bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	// serviceOpts are appended to the service options; tests use it to
	// inject clocks and sleepers.
	serviceOpts []service.Option

	store  *config.Store
	logger *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rigrun-adapter",
		Short: "Managed client for a remote chat-completion API",
		Long: `rigrun-adapter talks to an OpenAI-compatible chat-completion API with
managed configuration, sessions, rate limiting and error recovery.

Secrets in the config file are sealed with the passphrase in ` + SecretKeyEnv + `.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file path (default ~/.rigrun-adapter/config.toml)")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&a.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newChatCommand(a),
		newStatusCommand(a),
		newAuthCommand(a),
		newConfigCommand(a),
		newConversationsCommand(a),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	ctx := context.Background()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// =============================================================================
// WIRING
// =============================================================================

// openStore builds the config store once per invocation and loads it. The
// logger is built from the loaded config, so the store itself logs nothing.
func (a *app) openStore() (*config.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	path := a.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
	}

	store, err := config.NewStore(path, config.WithSecretKey(a.getenv(SecretKeyEnv)))
	if err != nil {
		return nil, err
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	if a.logLevel != "" {
		logCfg.Level = a.logLevel
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	a.store = store
	a.logger = logger
	return store, nil
}

// openService builds and initializes the service. The caller must Destroy it.
func (a *app) openService(ctx context.Context) (*service.Service, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	opts := append([]service.Option{service.WithLogger(a.logger)}, a.serviceOpts...)
	svc := service.New(store, opts...)
	if err := svc.Initialize(ctx); err != nil {
		svc.Destroy()
		return nil, err
	}
	return svc, nil
}

// newService builds a service without initializing it, for commands that
// only touch the configuration.
func (a *app) newService() (*service.Service, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	opts := append([]service.Option{service.WithLogger(a.logger)}, a.serviceOpts...)
	return service.New(store, opts...), nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
