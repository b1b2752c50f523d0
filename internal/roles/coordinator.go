// Package roles routes messages between the isolated overseer, reviewer and
// implementer tasks. Each role has its own inbox served by a worker pool;
// messages are deep-copied on every hop so no two roles share memory.
package roles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/steveyegge/overseer/internal/decision"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/types"
)

// Defaults
const (
	DefaultWorkers       = 4
	DefaultReviewTimeout = 30 * time.Minute
	DefaultOutboxSize    = 256
)

var (
	// ErrNotRunning is returned when a message is sent before Start or after Stop
	ErrNotRunning = errors.New("role coordinator is not running")
	// ErrOutboxFull is returned when the implementer outbox cannot take more messages
	ErrOutboxFull = errors.New("implementer outbox is full")

	// errReplyLater marks an envelope whose reply is sent by another goroutine
	errReplyLater = errors.New("reply deferred")
)

// Config holds coordinator configuration
type Config struct {
	Reviewer      Reviewer         // required
	Engine        *decision.Engine // required
	Workers       int              // per role (default 4)
	ReviewerRate  float64          // reviews per second; 0 disables throttling
	ReviewTimeout time.Duration    // default 30m
	OutboxSize    int              // default 256
	Logger        *zap.Logger
	Now           func() time.Time
}

// envelope carries a message into a role task together with the caller's
// context and a one-slot reply channel
type envelope struct {
	ctx   context.Context
	msg   types.RoleMessage
	reply chan reply
}

type reply struct {
	msg types.RoleMessage
	err error
}

// Coordinator runs the role tasks
type Coordinator struct {
	reviewer      Reviewer
	engine        *decision.Engine
	workers       int
	limiter       *rate.Limiter
	reviewTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time

	reviewerInbox chan envelope
	overseerInbox chan envelope
	outbox        chan types.RoleMessage

	mu      sync.RWMutex
	running bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewCoordinator creates a coordinator. Call Start before sending messages.
func NewCoordinator(cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Reviewer == nil {
		return nil, fmt.Errorf("reviewer is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("decision engine is required")
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1 (got %d)", cfg.Workers)
	}
	if cfg.ReviewerRate < 0 {
		return nil, fmt.Errorf("reviewer rate cannot be negative (got %g)", cfg.ReviewerRate)
	}
	if cfg.ReviewTimeout == 0 {
		cfg.ReviewTimeout = DefaultReviewTimeout
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}

	c := &Coordinator{
		reviewer:      cfg.Reviewer,
		engine:        cfg.Engine,
		workers:       cfg.Workers,
		reviewTimeout: cfg.ReviewTimeout,
		logger:        logging.OrNop(cfg.Logger).Named("roles"),
		now:           cfg.Now,
		reviewerInbox: make(chan envelope),
		overseerInbox: make(chan envelope),
		outbox:        make(chan types.RoleMessage, cfg.OutboxSize),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.ReviewerRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ReviewerRate), 1)
	}
	return c, nil
}

// Start launches the reviewer and overseer worker pools. The tasks stop when
// ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("role coordinator already started")
	}
	if c.stopped {
		return fmt.Errorf("role coordinator cannot be restarted")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error { return c.serve(gctx, types.RoleReviewer, c.reviewerInbox, c.handleReview) })
		g.Go(func() error { return c.serve(gctx, types.RoleOverseer, c.overseerInbox, c.handleBrief) })
	}

	c.runCtx = gctx
	c.cancel = cancel
	c.group = g
	c.running = true
	c.logger.Info("role tasks started", zap.Int("workers", c.workers), zap.String("reviewer", c.reviewer.Name()))
	return nil
}

// Stop cancels the role tasks and waits for them to exit
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stopped = true
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	cancel()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("role tasks stopped")
	return err
}

// Running reports whether the role tasks accept messages
func (c *Coordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// ReviewerName names the reviewer implementation
func (c *Coordinator) ReviewerName() string {
	return c.reviewer.Name()
}

func (c *Coordinator) serve(ctx context.Context, role types.Role, inbox <-chan envelope, handle func(envelope) (types.RoleMessage, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-inbox:
			msg, err := handle(env)
			if errors.Is(err, errReplyLater) {
				continue
			}
			// reply is buffered; the caller may already have given up
			env.reply <- reply{msg: msg, err: err}
			if err != nil {
				c.logger.Debug("role task returned error", zap.String(logging.FieldRole, string(role)),
					zap.String(logging.FieldUnit, env.msg.UnitID), zap.Int(logging.FieldIteration, env.msg.Iteration), zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) handleReview(env envelope) (types.RoleMessage, error) {
	state, ok := env.msg.Payload.(types.ArtifactState)
	if !ok {
		return types.RoleMessage{}, fmt.Errorf("reviewer cannot accept %s message", env.msg.Kind())
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(env.ctx); err != nil {
			return types.RoleMessage{}, err
		}
	}
	if async, ok := c.reviewer.(AsyncReviewer); ok {
		wait, err := async.Request(state)
		if err != nil {
			return types.RoleMessage{}, err
		}
		c.awaitReview(env, wait)
		return types.RoleMessage{}, errReplyLater
	}
	review, err := c.reviewer.Review(env.ctx, state)
	if err != nil {
		return types.RoleMessage{}, err
	}
	return c.message(types.RoleReviewer, types.RoleOverseer, env.msg, review), nil
}

// awaitReview waits for an asynchronous review on its own goroutine and
// replies once it arrives or the coordinator stops
func (c *Coordinator) awaitReview(env envelope, wait func(context.Context) (types.Review, error)) {
	c.mu.RLock()
	g, runCtx := c.group, c.runCtx
	c.mu.RUnlock()

	g.Go(func() error {
		ctx, cancel := context.WithCancel(env.ctx)
		defer cancel()
		stop := context.AfterFunc(runCtx, cancel)
		defer stop()

		review, err := wait(ctx)
		var msg types.RoleMessage
		if err == nil {
			msg = c.message(types.RoleReviewer, types.RoleOverseer, env.msg, review)
		} else if runCtx.Err() != nil && env.ctx.Err() == nil {
			err = ErrNotRunning
		}
		env.reply <- reply{msg: msg, err: err}
		return nil
	})
}

func (c *Coordinator) handleBrief(env envelope) (types.RoleMessage, error) {
	brief, ok := env.msg.Payload.(types.OverseerBrief)
	if !ok {
		return types.RoleMessage{}, fmt.Errorf("overseer cannot accept %s message", env.msg.Kind())
	}
	d := c.engine.DecideReconciled(brief.Report.UnitID, brief.Reconciled, brief.Disagreements, brief.State)
	return c.message(types.RoleOverseer, types.RoleImplementer, env.msg, d), nil
}

func (c *Coordinator) message(from, to types.Role, in types.RoleMessage, p types.Payload) types.RoleMessage {
	return types.RoleMessage{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		UnitID:    in.UnitID,
		Iteration: in.Iteration,
		Phase:     in.Phase,
		Payload:   p.Copy(),
		SentAt:    c.now(),
	}
}

// send delivers msg to a role inbox and waits for its reply
func (c *Coordinator) send(ctx context.Context, inbox chan envelope, msg types.RoleMessage) (types.RoleMessage, error) {
	c.mu.RLock()
	running, done := c.running, c.runCtx
	c.mu.RUnlock()
	if !running {
		return types.RoleMessage{}, ErrNotRunning
	}

	msg.Payload = msg.Payload.Copy()
	env := envelope{ctx: ctx, msg: msg, reply: make(chan reply, 1)}

	c.logger.Debug("routing message",
		zap.String("from", string(msg.From)), zap.String(logging.FieldRole, string(msg.To)),
		zap.String(logging.FieldKind, string(msg.Kind())),
		zap.String(logging.FieldUnit, msg.UnitID), zap.Int(logging.FieldIteration, msg.Iteration))

	select {
	case inbox <- env:
	case <-ctx.Done():
		return types.RoleMessage{}, ctx.Err()
	case <-done.Done():
		return types.RoleMessage{}, ErrNotRunning
	}

	select {
	case r := <-env.reply:
		if r.err != nil {
			return types.RoleMessage{}, r.err
		}
		r.msg.Payload = r.msg.Payload.Copy()
		return r.msg, nil
	case <-ctx.Done():
		return types.RoleMessage{}, ctx.Err()
	}
}

// Review asks the reviewer task for an independent assessment. A review that
// does not arrive within the review timeout surfaces as a BlockedError
// wrapping a TimeoutError; a review that reports blockers surfaces as a
// BlockedError with the partial review.
func (c *Coordinator) Review(parent context.Context, phase types.Phase, state types.ArtifactState) (types.Review, error) {
	ctx, cancel := context.WithTimeout(parent, c.reviewTimeout)
	defer cancel()

	started := c.now()
	out, err := c.send(ctx, c.reviewerInbox, types.RoleMessage{
		ID:        uuid.New().String(),
		From:      types.RoleSystem,
		To:        types.RoleReviewer,
		UnitID:    state.UnitID,
		Iteration: state.Iteration,
		Phase:     phase,
		Payload:   state,
		SentAt:    started,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return types.Review{}, &types.BlockedError{
				UnitID:    state.UnitID,
				Iteration: state.Iteration,
				Role:      types.RoleReviewer,
				Cause:     &types.TimeoutError{UnitID: state.UnitID, Wait: "review", After: c.reviewTimeout},
			}
		}
		return types.Review{}, err
	}

	review := out.Payload.(types.Review)
	if review.UnitID == "" {
		review.UnitID = state.UnitID
	}
	if review.Iteration == 0 {
		review.Iteration = state.Iteration
	}
	if review.UnitID != state.UnitID || review.Iteration != state.Iteration {
		return types.Review{}, fmt.Errorf("reviewer answered unit %s iteration %d, asked for unit %s iteration %d",
			review.UnitID, review.Iteration, state.UnitID, state.Iteration)
	}
	if len(review.Blockers) > 0 {
		return review, &types.BlockedError{
			UnitID:    state.UnitID,
			Iteration: state.Iteration,
			Role:      types.RoleReviewer,
			Blockers:  append([]string(nil), review.Blockers...),
		}
	}

	c.logger.Info("review completed",
		zap.String(logging.FieldRole, string(types.RoleReviewer)),
		zap.String(logging.FieldUnit, state.UnitID), zap.Int(logging.FieldIteration, state.Iteration),
		zap.String("reviewer", review.Reviewer), zap.Duration("took", c.now().Sub(started)))
	return review, nil
}

// Brief hands the overseer the self-report and reconciled results and
// returns its decision. Reviewer notes never reach the overseer.
func (c *Coordinator) Brief(ctx context.Context, phase types.Phase, brief types.OverseerBrief) (types.Decision, error) {
	out, err := c.send(ctx, c.overseerInbox, types.RoleMessage{
		ID:        uuid.New().String(),
		From:      types.RoleSystem,
		To:        types.RoleOverseer,
		UnitID:    brief.Report.UnitID,
		Iteration: brief.Report.Iteration,
		Phase:     phase,
		Payload:   brief,
		SentAt:    c.now(),
	})
	if err != nil {
		return types.Decision{}, err
	}
	d := out.Payload.(types.Decision)
	c.logger.Info("decision issued",
		zap.String(logging.FieldRole, string(types.RoleOverseer)),
		zap.String(logging.FieldUnit, d.UnitID), zap.Int(logging.FieldIteration, d.Iteration),
		zap.String(logging.FieldVerdict, string(d.Verdict)), zap.String("reason", d.Reason))
	return d, nil
}

// Notify queues a decision or blocker notice for the implementer
func (c *Coordinator) Notify(ctx context.Context, to types.Role, unitID string, iteration int, phase types.Phase, p types.Payload) error {
	msg := types.RoleMessage{
		ID:        uuid.New().String(),
		From:      types.RoleOverseer,
		To:        to,
		UnitID:    unitID,
		Iteration: iteration,
		Phase:     phase,
		Payload:   p.Copy(),
		SentAt:    c.now(),
	}
	if _, ok := p.(types.BlockerNotice); ok {
		msg.From = types.RoleSystem
	}

	select {
	case c.outbox <- msg:
		c.logger.Debug("notified",
			zap.String(logging.FieldRole, string(to)), zap.String(logging.FieldKind, string(msg.Kind())),
			zap.String(logging.FieldUnit, unitID), zap.Int(logging.FieldIteration, iteration))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrOutboxFull
	}
}

// Outbox delivers messages addressed to the implementer and overseer humans
func (c *Coordinator) Outbox() <-chan types.RoleMessage {
	return c.outbox
}
