package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ServeLock is the lock file a running `overseer serve` holds so that only one
// process ever drives the state machines of a project.
type ServeLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Socket    string    `json:"socket,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// ErrLocked is returned when a live process already holds the serve lock
var ErrLocked = errors.New("overseer is already serving this project")

// LockPath returns the lock file path for the database at dbPath
func LockPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), ".serve-lock")
}

// AcquireServeLock creates the serve lock next to the database. A lock left
// behind by a dead process on this host is taken over.
// Returns the lock file path for cleanup on shutdown.
func AcquireServeLock(dbPath, socket, version string) (lockPath string, err error) {
	if dbPath == ":memory:" {
		return "", nil
	}
	lockPath = LockPath(dbPath)

	if existing, err := ReadServeLock(lockPath); err == nil {
		if isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("%w (PID %d on %s, started %s)", ErrLocked,
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		// Stale lock - will overwrite
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := ServeLock{
		Holder:    "overseer-serve",
		PID:       os.Getpid(),
		Hostname:  hostname,
		Socket:    socket,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create serve lock: %w", err)
	}

	return lockPath, nil
}

// ReadServeLock loads a lock file. Clients use it to find the control socket.
func ReadServeLock(lockPath string) (*ServeLock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock ServeLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("corrupt serve lock %s: %w", lockPath, err)
	}
	return &lock, nil
}

// ReleaseServeLock removes the lock file.
// Should be called on shutdown (use defer).
func ReleaseServeLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove serve lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		// Can't check hostname, assume remote/alive
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		// Remote host - can't check, assume alive
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes for existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM: process exists but belongs to someone else
	if errors.Is(err, syscall.EPERM) {
		return true
	}

	return false
}
