package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/steveyegge/overseer/internal/decision"
	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/orchestrator"
	"github.com/steveyegge/overseer/internal/roles"
	"github.com/steveyegge/overseer/internal/storage/sqlite"
	"github.com/steveyegge/overseer/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// socketPath keeps the path short; Unix socket paths are limited to ~100 bytes
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ovc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "control.sock")
}

func startServer(t *testing.T, handler Handler) *Client {
	t.Helper()
	path := socketPath(t)
	srv, err := NewServer(path, handler, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, srv.Stop()) })
	require.True(t, srv.IsRunning())
	return NewClient(path)
}

type fixture struct {
	client     *Client
	external   *roles.ExternalReviewer
	discovered chan string
}

func newFixture(t *testing.T, external bool) *fixture {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var (
		reviewer roles.Reviewer
		ext      *roles.ExternalReviewer
	)
	if external {
		ext, err = roles.NewExternalReviewer(gates.DefaultRegistry())
		require.NoError(t, err)
		reviewer = ext
	} else {
		reviewer, err = roles.NewGateReviewer(gates.DefaultRegistry())
		require.NoError(t, err)
	}

	engine, err := decision.NewEngine(nil)
	require.NoError(t, err)
	coord, err := roles.NewCoordinator(&roles.Config{Reviewer: reviewer, Engine: engine})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	orch, err := orchestrator.New(&orchestrator.Config{
		Store:       store,
		Registry:    gates.DefaultRegistry(),
		Coordinator: coord,
	})
	require.NoError(t, err)

	discovered := make(chan string, 8)
	d, err := NewDispatcher(&DispatcherConfig{
		Orchestrator: orch,
		External:     ext,
		ReviewerName: reviewer.Name(),
		OnDiscovery:  func(id string) { discovered <- id },
	})
	require.NoError(t, err)

	return &fixture{client: startServer(t, d.Handle), external: ext, discovered: discovered}
}

func measurements() types.Measurements {
	return types.Measurements{
		"code_quality.critical_issues":         types.Number(0),
		"code_quality.zen_compliance":          types.Number(90),
		"code_quality.docstring_coverage":      types.Number(100),
		"testing.scenarios_tested":             types.Number(6),
		"testing.runtime_errors":               types.Number(0),
		"testing.test_coverage":                types.Number(85),
		"integration.breaking_changes":         types.Number(0),
		"integration.patterns_followed":        types.Bool(true),
		"documentation.public_apis_documented": types.Bool(true),
		"documentation.examples_provided":      types.Number(2),
	}
}

func TestServerRoundTrip(t *testing.T) {
	client := startServer(t, func(_ context.Context, cmd Command) (interface{}, error) {
		if cmd.Type == "boom" {
			return nil, &types.StaleReportError{UnitID: "u1", Submitted: 1, Expected: 2}
		}
		return map[string]string{"echo": cmd.UnitID}, nil
	})

	resp, err := client.SendCommand(Command{Type: "echo", UnitID: "u1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "u1", data["echo"])

	err = client.call(Command{Type: "boom"}, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "StaleReportError", remote.Kind)
}

func TestServerRejectsMalformedCommand(t *testing.T) {
	path := socketPath(t)
	srv, err := NewServer(path, func(context.Context, Command) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "failed to decode command")
}

func TestStopCancelsInflightCommands(t *testing.T) {
	path := socketPath(t)
	started := make(chan struct{})
	srv, err := NewServer(path, func(ctx context.Context, cmd Command) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- NewClient(path).call(Command{Type: CmdSubmit}, nil)
	}()
	<-started

	begin := time.Now()
	require.NoError(t, srv.Stop())
	assert.Less(t, time.Since(begin), 2*time.Second)

	err = <-errCh
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Contains(t, remote.Message, "context canceled")
}

func TestClientWithoutServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(100 * time.Millisecond)
	_, err := client.Status("")
	assert.Error(t, err)
}

func TestLifecycleOverSocket(t *testing.T) {
	f := newFixture(t, false)

	u, err := f.client.Discover(types.UnitDefinition{Name: "cache", Requirement: "cache sessions"})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDiscovery, u.Phase)
	assert.Equal(t, u.ID, <-f.discovered)

	st, err := f.client.Status(u.ID)
	require.NoError(t, err)
	require.Len(t, st.Units, 1)
	assert.NotNil(t, st.Units[0].ApprovalDeadline)
	assert.Equal(t, "gates", st.Reviewer)

	_, err = f.client.Approve(u.ID, "alice")
	require.NoError(t, err)

	m := measurements()
	m["testing.scenarios_tested"] = types.Number(4)
	d, err := f.client.Submit(&types.IterationReport{UnitID: u.ID, Iteration: 1, Measurements: m}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictIterate, d.Verdict)
	require.NotEmpty(t, d.Feedback)
	assert.Equal(t, "testing.scenarios_tested", d.Feedback[0].Gate)

	_, err = f.client.Submit(&types.IterationReport{UnitID: u.ID, Iteration: 1, Measurements: measurements()}, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "StaleReportError", remote.Kind)

	d, err = f.client.Submit(&types.IterationReport{UnitID: u.ID, Iteration: 2, Measurements: measurements()}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, d.Verdict)

	done, err := f.client.Merge(u.ID, "bob", types.ArtifactRef{Kind: types.ArtifactCommit, Ref: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDone, done.Phase)

	// external reviews are disabled with the gates reviewer
	err = f.client.DeliverReview(&types.Review{UnitID: u.ID, Iteration: 3})
	assert.Error(t, err)
}

func TestRejectAndReassessOverSocket(t *testing.T) {
	f := newFixture(t, false)

	u, err := f.client.Discover(types.UnitDefinition{Name: "cache", Requirement: "cache sessions"})
	require.NoError(t, err)
	<-f.discovered

	u, err = f.client.Reject(u.ID, "alice", "duplicate of existing work", true)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseEscalated, u.Phase)

	u, err = f.client.Reassess(u.ID, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDiscovery, u.Phase)
	assert.Equal(t, u.ID, <-f.discovered)
}

func TestExternalReviewOverSocket(t *testing.T) {
	f := newFixture(t, true)

	u, err := f.client.Discover(types.UnitDefinition{Name: "cache", Requirement: "cache sessions"})
	require.NoError(t, err)
	<-f.discovered
	_, err = f.client.Approve(u.ID, "alice")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		d    *types.Decision
		err2 error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		d, err2 = f.client.Submit(&types.IterationReport{UnitID: u.ID, Iteration: 1, Measurements: measurements()}, nil)
	}()

	require.Eventually(t, func() bool {
		st, err := f.client.Status("")
		return err == nil && len(st.PendingReviews) == 1
	}, 2*time.Second, 10*time.Millisecond)

	st, err := f.client.Status("")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Units[0].Pending)

	// a review that skips blocking categories is refused and the request stays open
	err = f.client.DeliverReview(&types.Review{UnitID: u.ID, Iteration: 1})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "ValidationError", remote.Kind)
	st, err = f.client.Status("")
	require.NoError(t, err)
	require.Len(t, st.PendingReviews, 1)

	// the reviewer finds a failing blocking category the self-report passed
	require.NoError(t, f.client.DeliverReview(&types.Review{
		UnitID:    u.ID,
		Iteration: 1,
		Results: []types.CategoryResult{
			{Category: "code_quality", Blocking: true, Passed: true},
			{Category: "integration", Blocking: true, Passed: true},
			{
				Category: "testing",
				Blocking: true,
				Passed:   false,
				Results: []types.GateResult{{
					Category: "testing", Metric: "scenarios_tested", Comparator: types.CompareGTE,
					Threshold: types.Number(5), Measured: types.Number(2), Blocking: true, Severity: types.SeverityHigh,
				}},
			},
		},
	}))
	wg.Wait()

	require.NoError(t, err2)
	assert.Equal(t, types.VerdictIterate, d.Verdict)
	require.Len(t, d.Disagreements, 1)
	assert.Equal(t, "testing", d.Disagreements[0].Category)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, false)
	resp, err := f.client.SendCommand(Command{Type: "pause"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command type")
}
