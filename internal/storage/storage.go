package storage

import (
	"context"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/storage/sqlite"
	"github.com/steveyegge/overseer/internal/types"
)

// ReportStore is the append-only audit log of reports, reviews, decisions
// and events. Nothing written through it is ever updated or deleted.
type ReportStore interface {
	AppendReport(ctx context.Context, report *types.IterationReport) error
	AppendReview(ctx context.Context, review *types.Review) error
	AppendDecision(ctx context.Context, decision *types.Decision) error
	AppendEvent(ctx context.Context, event *events.AuditEvent) error

	// AppendIteration saves the unit snapshot and appends the report, review
	// and decision of one processed iteration atomically.
	AppendIteration(ctx context.Context, rec *types.IterationRecord) error

	GetReports(ctx context.Context, unitID string) ([]*types.IterationReport, error)
	GetReviews(ctx context.Context, unitID string) ([]*types.Review, error)
	GetDecisions(ctx context.Context, unitID string) ([]*types.Decision, error)
	GetEvents(ctx context.Context, filter events.EventFilter) ([]*events.AuditEvent, error)
	GetHistory(ctx context.Context, unitID string) (*types.History, error)
}

// UnitStore persists the latest snapshot of each unit of work
type UnitStore interface {
	SaveUnit(ctx context.Context, unit *types.Unit) error
	GetUnit(ctx context.Context, id string) (*types.Unit, error)
	ListUnits(ctx context.Context, filter types.UnitFilter) ([]*types.Unit, error)
}

// Storage defines the interface for overseer storage backends
type Storage interface {
	ReportStore
	UnitStore

	// Lifecycle
	Close() error
}

// DefaultPath is where the database lives relative to the project root
const DefaultPath = ".overseer/overseer.db"

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".overseer/overseer.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: DefaultPath,
	}
}

// NewStorage creates a new SQLite storage backend
// The ctx parameter is currently unused but kept for API consistency
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Default to standard path if not specified
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	return sqlite.New(cfg.Path)
}
