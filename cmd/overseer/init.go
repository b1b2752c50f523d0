package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize overseer in the current directory",
	Long: `Initialize overseer by creating a .overseer/ directory.

This creates:
  - .overseer/overseer.db (SQLite audit log)
  - .overseer/gates.yaml (the default quality gates, ready to edit)

Existing files are left untouched.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			exitf("failed to get current directory: %v", err)
		}

		dir := filepath.Join(cwd, storage.DataDir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			exitf("failed to create %s: %v", dir, err)
		}

		// Initialize the database schema by opening and closing it
		path := filepath.Join(cwd, storage.DefaultPath)
		if dbPath != "" {
			path = dbPath
		}
		db, err := storage.NewStorage(context.Background(), &storage.Config{Path: path})
		if err != nil {
			exitf("failed to initialize database: %v", err)
		}
		_ = db.Close()

		gatesPath := filepath.Join(dir, "gates.yaml")
		wroteGates, err := writeIfMissing(gatesPath, gates.DefaultGatesYAML())
		if err != nil {
			exitf("%v", err)
		}

		fmt.Printf("\n%s Initialized overseer\n\n", green("✓"))
		fmt.Printf("  Database: %s\n", cyan(path))
		if wroteGates {
			fmt.Printf("  Gates:    %s\n", cyan(gatesPath))
		} else {
			fmt.Printf("  Gates:    %s %s\n", cyan(gatesPath), gray("(kept existing)"))
		}
		fmt.Println()

		fmt.Printf("%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray("overseer gates list"))
		fmt.Printf("  %s\n", gray("overseer serve"))
		fmt.Printf("  %s\n", gray("overseer unit create unit.yaml"))
		fmt.Println()
	},
}

// writeIfMissing creates path with data unless it already exists
func writeIfMissing(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, f.Close()
}

func init() {
	rootCmd.AddCommand(initCmd)
}
