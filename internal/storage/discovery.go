package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDir is the per-project directory holding the database and lock files
const DataDir = ".overseer"

// DiscoverDatabase resolves the database path for the current directory.
//
// OVERSEER_DB_PATH wins when set (":memory:" is allowed). Otherwise the
// database must exist at .overseer/overseer.db in the working directory.
// Parent directories are never searched, so a nested project cannot pick up
// its parent's audit log by accident.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("OVERSEER_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks for .overseer/overseer.db in dir only
func discoverDatabaseInDir(dir string) (string, error) {
	dbPath := filepath.Join(dir, DefaultPath)
	if info, err := os.Stat(dbPath); err == nil && !info.IsDir() {
		absPath, err := filepath.Abs(dbPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	return "", fmt.Errorf(
		"no %s found in %s\n"+
			"  Run 'overseer init' to initialize this directory\n"+
			"  Or use --db flag to specify database path explicitly",
		DefaultPath, dir)
}

// GetProjectRoot returns the directory containing the .overseer/ directory
// that holds dbPath.
func GetProjectRoot(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	dbDir := filepath.Dir(absPath)
	if filepath.Base(dbDir) != DataDir {
		return "", fmt.Errorf("database must be in a %s/ directory, got: %s", DataDir, dbPath)
	}

	return filepath.Dir(dbDir), nil
}
