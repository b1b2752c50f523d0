package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/steveyegge/overseer/internal/types"
)

// Client sends control commands to a running orchestrator
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second, // Default 10s timeout
	}
}

// SetTimeout sets the client timeout for commands. Submissions wait for a
// review, so callers usually raise it to the review timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and waits for the response
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to overseer (is 'overseer serve' running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// call sends cmd and decodes a successful payload into out
func (c *Client) call(cmd Command, out interface{}) error {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return &RemoteError{Kind: resp.Kind, Message: msg}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", cmd.Type, err)
	}
	return nil
}

// Discover submits a unit definition for approval
func (c *Client) Discover(def types.UnitDefinition) (*types.Unit, error) {
	var u types.Unit
	if err := c.call(Command{Type: CmdDiscover, Definition: &def}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Approve approves a Discovery submission
func (c *Client) Approve(unitID, actor string) (*types.Unit, error) {
	var u types.Unit
	if err := c.call(Command{Type: CmdApprove, UnitID: unitID, Actor: actor}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Reject declines a Discovery submission; fatal escalates the unit
func (c *Client) Reject(unitID, actor, reason string, fatal bool) (*types.Unit, error) {
	var u types.Unit
	if err := c.call(Command{Type: CmdReject, UnitID: unitID, Actor: actor, Reason: reason, Fatal: fatal}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Submit sends an iteration report and waits for the decision
func (c *Client) Submit(report *types.IterationReport, artifact *types.ArtifactState) (*types.Decision, error) {
	var d types.Decision
	cmd := Command{Type: CmdSubmit, UnitID: report.UnitID, Report: report, Artifact: artifact}
	if err := c.call(cmd, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeliverReview answers an outstanding external review request
func (c *Client) DeliverReview(review *types.Review) error {
	return c.call(Command{Type: CmdReview, UnitID: review.UnitID, Review: review}, nil)
}

// Merge confirms that an accepted unit has been merged
func (c *Client) Merge(unitID, actor string, refs ...types.ArtifactRef) (*types.Unit, error) {
	var u types.Unit
	if err := c.call(Command{Type: CmdMerge, UnitID: unitID, Actor: actor, Artifacts: refs}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Reassess restarts an escalated unit with extra iterations
func (c *Client) Reassess(unitID, actor string, extra int) (*types.Unit, error) {
	var u types.Unit
	if err := c.call(Command{Type: CmdReassess, UnitID: unitID, Actor: actor, Extra: extra}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Status requests the live status of one unit, or of all units when
// unitID is empty
func (c *Client) Status(unitID string) (*Status, error) {
	var st Status
	if err := c.call(Command{Type: CmdStatus, UnitID: unitID}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
