// Package control exposes a running orchestrator over a Unix domain socket.
// Each connection carries one JSON command and one JSON response.
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/overseer/internal/types"
)

// Command types
const (
	CmdDiscover = "discover"
	CmdApprove  = "approve"
	CmdReject   = "reject"
	CmdSubmit   = "submit"
	CmdReview   = "review"
	CmdMerge    = "merge"
	CmdReassess = "reassess"
	CmdStatus   = "status"
)

// Command represents a control command sent to the orchestrator
type Command struct {
	Type      string    `json:"type"`
	UnitID    string    `json:"unit_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
	Extra     int       `json:"extra,omitempty"` // additional iterations on reassess
	Timestamp time.Time `json:"timestamp"`

	Definition *types.UnitDefinition  `json:"definition,omitempty"`
	Report     *types.IterationReport `json:"report,omitempty"`
	Artifact   *types.ArtifactState   `json:"artifact,omitempty"`
	Review     *types.Review          `json:"review,omitempty"`
	Artifacts  []types.ArtifactRef    `json:"artifacts,omitempty"`
}

// Response represents a response to a control command
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Kind is the error taxonomy name, e.g. "StaleReportError"
	Kind string `json:"kind,omitempty"`
}

// UnitStatus is the live state of one unit
type UnitStatus struct {
	Unit             *types.Unit          `json:"unit"`
	Iteration        types.IterationState `json:"iteration"`
	Pending          int                  `json:"pending,omitempty"`
	ApprovalDeadline *time.Time           `json:"approval_deadline,omitempty"`
}

// Status answers the status command
type Status struct {
	Reviewer       string                `json:"reviewer"`
	Units          []UnitStatus          `json:"units"`
	PendingReviews []types.ArtifactState `json:"pending_reviews,omitempty"`
}

// RemoteError is a failure reported by the server
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" || e.Kind == "Error" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
