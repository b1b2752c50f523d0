package control

import (
	"context"
	"fmt"

	"github.com/steveyegge/overseer/internal/orchestrator"
	"github.com/steveyegge/overseer/internal/roles"
	"github.com/steveyegge/overseer/internal/types"
)

// Dispatcher maps control commands onto orchestrator operations
type Dispatcher struct {
	orch     *orchestrator.Orchestrator
	external *roles.ExternalReviewer
	reviewer string

	// onDiscovery is called with every unit that (re)enters discovery
	onDiscovery func(unitID string)
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Orchestrator *orchestrator.Orchestrator // required
	External     *roles.ExternalReviewer    // required for the review command
	ReviewerName string
	OnDiscovery  func(unitID string)
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil || cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	return &Dispatcher{
		orch:        cfg.Orchestrator,
		external:    cfg.External,
		reviewer:    cfg.ReviewerName,
		onDiscovery: cfg.OnDiscovery,
	}, nil
}

// Handle executes one command. It satisfies Handler.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) (interface{}, error) {
	switch cmd.Type {
	case CmdDiscover:
		if cmd.Definition == nil {
			return nil, types.NewValidationError("definition", "is required")
		}
		u, err := d.orch.SubmitDiscovery(ctx, *cmd.Definition)
		if err != nil {
			return nil, err
		}
		d.discovered(u.ID)
		return u, nil

	case CmdApprove:
		return d.orch.Approve(ctx, cmd.UnitID, cmd.Actor)

	case CmdReject:
		return d.orch.Reject(ctx, cmd.UnitID, cmd.Actor, cmd.Reason, cmd.Fatal)

	case CmdSubmit:
		if cmd.Report == nil {
			return nil, types.NewValidationError("report", "is required")
		}
		return d.orch.SubmitReport(ctx, cmd.Report, cmd.Artifact)

	case CmdReview:
		if d.external == nil {
			return nil, fmt.Errorf("reviews are computed by the %q reviewer; external reviews are disabled", d.reviewer)
		}
		if cmd.Review == nil {
			return nil, types.NewValidationError("review", "is required")
		}
		if err := d.external.Deliver(*cmd.Review); err != nil {
			return nil, err
		}
		return map[string]interface{}{"unit_id": cmd.Review.UnitID, "iteration": cmd.Review.Iteration}, nil

	case CmdMerge:
		return d.orch.ConfirmMerge(ctx, cmd.UnitID, cmd.Actor, cmd.Artifacts...)

	case CmdReassess:
		u, err := d.orch.Reassess(ctx, cmd.UnitID, cmd.Actor, cmd.Extra)
		if err != nil {
			return nil, err
		}
		d.discovered(u.ID)
		return u, nil

	case CmdStatus:
		return d.status(ctx, cmd.UnitID)
	}
	return nil, fmt.Errorf("unknown command type: %q", cmd.Type)
}

func (d *Dispatcher) discovered(unitID string) {
	if d.onDiscovery != nil {
		d.onDiscovery(unitID)
	}
}

func (d *Dispatcher) status(ctx context.Context, unitID string) (*Status, error) {
	st := &Status{Reviewer: d.reviewer}
	if d.external != nil {
		st.PendingReviews = d.external.Pending()
	}

	var units []*types.Unit
	if unitID != "" {
		u, err := d.orch.Unit(ctx, unitID)
		if err != nil {
			return nil, err
		}
		units = []*types.Unit{u}
	} else {
		var err error
		if units, err = d.orch.Units(ctx, types.UnitFilter{}); err != nil {
			return nil, err
		}
	}

	for _, u := range units {
		us := UnitStatus{Unit: u}
		iter, err := d.orch.Iteration(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		us.Iteration = iter
		if us.Pending, err = d.orch.Pending(ctx, u.ID); err != nil {
			return nil, err
		}
		if u.Phase == types.PhaseDiscovery {
			deadline := d.orch.ApprovalDeadline(u)
			us.ApprovalDeadline = &deadline
		}
		st.Units = append(st.Units, us)
	}
	return st, nil
}
