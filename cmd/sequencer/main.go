// Package main is the command line front end of the sequence engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sequencer/internal/app"
	"sequencer/internal/config"
	"sequencer/internal/core/apperror"
	appctx "sequencer/internal/core/context"
	"sequencer/internal/domain/sequence"
	"sequencer/pkg/logger"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configPath string
	actorID    string
	scope      string
	noSync     bool
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(report(err))
	}
}

// report prints err and returns the exit code: 2 for engine errors the caller
// can act on, 1 for everything else.
func report(err error) int {
	appErr, ok := apperror.AsAppError(err)
	if !ok {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "error [%s]: %s\n", appErr.Code, appErr.Message)
	keys := make([]string, 0, len(appErr.Details))
	for k := range appErr.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(os.Stderr, "  %s: %v\n", k, appErr.Details[k])
	}
	switch apperror.CodeOf(err) {
	case apperror.CodeDatabase, apperror.CodeInternal:
		return 1
	}
	return 2
}

var rootCmd = &cobra.Command{
	Use:   "sequencer",
	Short: "Generate and manage document number sequences",
	Long: `sequencer issues gap-controlled, pattern-based document numbers.

Sequences are declared in the configuration file and synchronized on every run.
The storage backend is chosen by storage.backend (memory or postgres); with the
memory backend state lives only for the duration of one command.

Examples:
  sequencer generate invoice --scope kyiv
  sequencer reserve invoice --count 10 --ttl 15m
  sequencer void invoice INV-2025-00042 --reason "customer cancelled"
  sequencer metrics invoice --json`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv("SEQUENCER_CONFIG", ""), "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "Actor recorded on audit events (default: current OS user)")
	rootCmd.PersistentFlags().StringVarP(&scope, "scope", "s", "", "Sequence scope (tenant, branch)")
	rootCmd.PersistentFlags().BoolVar(&noSync, "no-sync", false, "Do not apply configured sequence definitions before running")

	registerCommands(rootCmd)
}

// session is one command invocation: the engine plus its teardown.
type session struct {
	*app.App
	log *logger.Logger
}

// withSession loads configuration, builds the engine and runs fn with a context
// that carries the actor and is cancelled on SIGINT or SIGTERM.
func withSession(fn func(ctx context.Context, s *session) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = appctx.WithActor(ctx, &appctx.Actor{ID: currentActor(), Source: "cli"})
	ctx = appctx.EnsureTrace(ctx)
	ctx = logger.WithLogger(ctx, log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	if !noSync {
		defs, err := cfg.Definitions()
		if err != nil {
			return err
		}
		if err := a.Sync(ctx, defs); err != nil {
			return err
		}
	}

	return fn(ctx, &session{App: a, log: log})
}

func currentActor() string {
	if actorID != "" {
		return actorID
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return appctx.SystemActor
}

// keyArg builds the sequence key from a positional name and the --scope flag.
// "name@scope" is accepted as well.
func keyArg(name string) (sequence.Key, error) {
	key, err := sequence.ParseKey(name)
	if err != nil {
		return sequence.Key{}, err
	}
	if scope != "" {
		key.Scope = scope
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
