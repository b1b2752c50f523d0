package sqlite

// Timestamps are stored as fixed-width UTC text so they sort lexically.
// Reports, reviews, decisions and audit events are append-only: triggers
// abort any UPDATE or DELETE. Only the units snapshot table is mutable.
const schema = `
-- Units of work (mutable snapshot of the latest state)
CREATE TABLE IF NOT EXISTS units (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    requirement TEXT NOT NULL DEFAULT '',
    constraints TEXT NOT NULL DEFAULT '[]',
    artifacts TEXT NOT NULL DEFAULT '[]',
    phase TEXT NOT NULL,
    status TEXT NOT NULL,
    iteration INTEGER NOT NULL DEFAULT 0 CHECK(iteration >= 0),
    ceiling INTEGER NOT NULL CHECK(ceiling >= 1),
    escalation_reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    discovery_submitted_at TEXT NOT NULL DEFAULT '',
    CHECK(iteration <= ceiling + 1)
);

CREATE INDEX IF NOT EXISTS idx_units_phase ON units(phase);
CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);

CREATE TRIGGER IF NOT EXISTS units_iteration_monotonic
BEFORE UPDATE OF iteration ON units
WHEN NEW.iteration < OLD.iteration
BEGIN
    SELECT RAISE(ABORT, 'iteration count cannot decrease');
END;

-- Iteration reports submitted by the implementer
CREATE TABLE IF NOT EXISTS reports (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_id TEXT NOT NULL REFERENCES units(id),
    iteration INTEGER NOT NULL CHECK(iteration >= 1),
    submitted_at TEXT NOT NULL,
    body TEXT NOT NULL,
    UNIQUE(unit_id, iteration)
);

-- Independent reviews, exactly one per report
CREATE TABLE IF NOT EXISTS reviews (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_id TEXT NOT NULL REFERENCES units(id),
    iteration INTEGER NOT NULL CHECK(iteration >= 1),
    reviewer TEXT NOT NULL,
    reviewed_at TEXT NOT NULL,
    body TEXT NOT NULL,
    UNIQUE(unit_id, iteration)
);

-- Decisions issued by the overseer (iteration 0 for decisions made before development)
CREATE TABLE IF NOT EXISTS decisions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    unit_id TEXT NOT NULL REFERENCES units(id),
    iteration INTEGER NOT NULL CHECK(iteration >= 0),
    verdict TEXT NOT NULL CHECK(verdict IN ('ACCEPT', 'ITERATE', 'ESCALATE')),
    reason TEXT NOT NULL DEFAULT '',
    issued_at TEXT NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_unit ON decisions(unit_id, iteration);

-- Audit events, including every rejected operation
CREATE TABLE IF NOT EXISTS audit_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    unit_id TEXT NOT NULL DEFAULT '',
    iteration INTEGER NOT NULL DEFAULT 0,
    actor TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_events_unit ON audit_events(unit_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);

CREATE TRIGGER IF NOT EXISTS reports_append_only_update BEFORE UPDATE ON reports
BEGIN SELECT RAISE(ABORT, 'reports are append-only'); END;
CREATE TRIGGER IF NOT EXISTS reports_append_only_delete BEFORE DELETE ON reports
BEGIN SELECT RAISE(ABORT, 'reports are append-only'); END;

CREATE TRIGGER IF NOT EXISTS reviews_append_only_update BEFORE UPDATE ON reviews
BEGIN SELECT RAISE(ABORT, 'reviews are append-only'); END;
CREATE TRIGGER IF NOT EXISTS reviews_append_only_delete BEFORE DELETE ON reviews
BEGIN SELECT RAISE(ABORT, 'reviews are append-only'); END;

CREATE TRIGGER IF NOT EXISTS decisions_append_only_update BEFORE UPDATE ON decisions
BEGIN SELECT RAISE(ABORT, 'decisions are append-only'); END;
CREATE TRIGGER IF NOT EXISTS decisions_append_only_delete BEFORE DELETE ON decisions
BEGIN SELECT RAISE(ABORT, 'decisions are append-only'); END;

CREATE TRIGGER IF NOT EXISTS audit_events_append_only_update BEFORE UPDATE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_events_append_only_delete BEFORE DELETE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;

-- Units referenced by the append-only log can never be removed
CREATE TRIGGER IF NOT EXISTS units_no_delete BEFORE DELETE ON units
BEGIN SELECT RAISE(ABORT, 'units are never deleted'); END;
`
