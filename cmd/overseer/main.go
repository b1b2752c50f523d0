// Command overseer drives units of work through gated iteration: discovery
// approval, development, reviewed refinement loops and merge.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/config"
	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/storage"
)

const version = "0.3.0"

// reviewGrace is added to timeouts.review when a client waits on a submission
const reviewGrace = time.Minute

var (
	cfgFile    string
	dbPath     string
	socketFlag string
	actor      string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Gated iteration orchestrator",
	Long: `overseer moves units of work through Discovery, Development, Refinement
and Completion. Every implementer report is checked against quality gates by
an independent reviewer and the overseer issues ACCEPT, ITERATE or ESCALATE.

Run 'overseer serve' in the project directory, then drive units with the
other commands from any shell.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Storage.Path = dbPath
		}
		if logger, err = logging.New(cfg.Logging); err != nil {
			return err
		}
		if actor == "" {
			actor = os.Getenv("USER")
		}
		if actor == "" {
			actor = "overseer"
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", filepath.Join(storage.DataDir, "config.yaml"), "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides storage.path)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Control socket of a running 'overseer serve'")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor name recorded in the audit log (default $USER)")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitf prints an error and exits
func exitf(format string, args ...interface{}) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s %s\n", red("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

// openStore opens the audit log the configuration points at. An explicit
// --db wins, then OVERSEER_DB_PATH, then storage.path.
func openStore(ctx context.Context) (storage.Storage, string) {
	path := cfg.Storage.Path
	if dbPath == "" {
		if found, err := storage.DiscoverDatabase(); err == nil {
			path = found
		}
	}
	if path != ":memory:" {
		if _, err := os.Stat(path); err != nil {
			exitf("no database at %s\n  Run 'overseer init' to initialize this directory", path)
		}
	}
	store, err := storage.NewStorage(ctx, &storage.Config{Path: path})
	if err != nil {
		exitf("failed to open database: %v", err)
	}
	return store, path
}

// resolveSocket finds the control socket: --socket, then the serve lock
// next to the database, then control.socket from the configuration
func resolveSocket() string {
	if socketFlag != "" {
		return socketFlag
	}
	if lock, err := storage.ReadServeLock(storage.LockPath(cfg.Storage.Path)); err == nil && lock.Socket != "" {
		return lock.Socket
	}
	return cfg.Control.Socket
}

// newClient connects to the running orchestrator. Submissions block for a
// review, so timeout is raised for them.
func newClient(timeout time.Duration) *control.Client {
	c := control.NewClient(resolveSocket())
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}
