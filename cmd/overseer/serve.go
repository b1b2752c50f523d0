package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/config"
	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/decision"
	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/orchestrator"
	"github.com/steveyegge/overseer/internal/roles"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator for this project",
	Long: `Run the orchestrator and accept commands on the control socket.

The orchestrator will:
1. Take the serve lock so no other process drives this project
2. Restore every unit from the audit log
3. Escalate Discovery submissions whose approval window has closed
4. Watch the remaining Discovery submissions for approval timeouts
5. Serve unit, report, review and merge commands until stopped with Ctrl+C`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, path := openStore(ctx)
		defer store.Close()

		socket := cfg.Control.Socket
		if socketFlag != "" {
			socket = socketFlag
		}
		if abs, err := filepath.Abs(socket); err == nil {
			socket = abs
		}

		lockPath, err := storage.AcquireServeLock(path, socket, version)
		if err != nil {
			exitf("%v", err)
		}
		defer func() {
			if err := storage.ReleaseServeLock(lockPath); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		}()

		reg, source, err := loadRegistry()
		if err != nil {
			exitf("%v", err)
		}

		d, err := newDaemon(cfg, store, reg, socket, logger)
		if err != nil {
			exitf("%v", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		restored, err := d.start(ctx)
		if err != nil {
			_ = d.stop()
			exitf("%v", err)
		}

		fmt.Printf("%s Overseer serving (version %s)\n", green("✓"), cyan(version))
		fmt.Printf("  Database: %s\n", path)
		fmt.Printf("  Socket:   %s\n", socket)
		fmt.Printf("  Gates:    %s (%d gates)\n", source, reg.Len())
		fmt.Printf("  Reviewer: %s\n", cfg.Roles.Reviewer)
		fmt.Printf("  Units:    %d restored\n", restored)
		if cfg.Metrics.Addr != "" {
			fmt.Printf("  Metrics:  http://%s/metrics\n", d.metricsAddr())
		}
		fmt.Printf("  Press Ctrl+C to stop\n\n")

		<-sigCh
		fmt.Println("\nShutting down...")
		if err := d.stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error during shutdown: %v\n", err)
		}
		fmt.Printf("%s Overseer stopped\n", green("✓"))
	},
}

// daemon owns everything `overseer serve` runs
type daemon struct {
	cfg         *config.Config
	store       storage.Storage
	coordinator *roles.Coordinator
	orch        *orchestrator.Orchestrator
	server      *control.Server
	metrics     *metrics.Metrics
	logger      *zap.Logger

	metricsLn  net.Listener
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watching map[string]bool
}

func newDaemon(cfg *config.Config, store storage.Storage, reg *gates.Registry, socket string, logger *zap.Logger) (*daemon, error) {
	logger = logging.OrNop(logger)

	var (
		reviewer roles.Reviewer
		external *roles.ExternalReviewer
		err      error
	)
	switch cfg.Roles.Reviewer {
	case config.ReviewerExternal:
		if external, err = roles.NewExternalReviewer(reg); err != nil {
			return nil, err
		}
		reviewer = external
	default:
		if reviewer, err = roles.NewGateReviewer(reg); err != nil {
			return nil, err
		}
	}

	engine, err := decision.NewEngine(&decision.Config{MaxFeedbackItems: cfg.Decision.MaxFeedbackItems})
	if err != nil {
		return nil, err
	}

	coordinator, err := roles.NewCoordinator(&roles.Config{
		Reviewer:      reviewer,
		Engine:        engine,
		Workers:       cfg.Roles.Workers,
		ReviewerRate:  cfg.Roles.ReviewerRate,
		ReviewTimeout: cfg.Timeouts.Review,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create role coordinator: %w", err)
	}

	m := metrics.New()
	orch, err := orchestrator.New(&orchestrator.Config{
		Store:           store,
		Registry:        reg,
		Coordinator:     coordinator,
		DefaultCeiling:  cfg.Iteration.Ceiling,
		ApprovalTimeout: cfg.Timeouts.Approval,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	d := &daemon{
		cfg:         cfg,
		store:       store,
		coordinator: coordinator,
		orch:        orch,
		metrics:     m,
		logger:      logger.Named("serve"),
		watching:    make(map[string]bool),
	}

	dispatcher, err := control.NewDispatcher(&control.DispatcherConfig{
		Orchestrator: orch,
		External:     external,
		ReviewerName: reviewer.Name(),
		OnDiscovery:  d.watch,
	})
	if err != nil {
		return nil, err
	}
	if d.server, err = control.NewServer(socket, dispatcher.Handle, logger); err != nil {
		return nil, err
	}
	return d, nil
}

// start brings the daemon up and returns the number of restored units
func (d *daemon) start(parent context.Context) (int, error) {
	d.ctx, d.cancel = context.WithCancel(parent)

	if err := d.coordinator.Start(d.ctx); err != nil {
		return 0, err
	}

	restored, err := d.orch.Restore(d.ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore units: %w", err)
	}

	expired, err := d.orch.ExpireOverdue(d.ctx, time.Now())
	if err != nil {
		d.logger.Warn("failed to expire overdue approvals", zap.Error(err))
	}
	if len(expired) > 0 {
		d.logger.Info("escalated overdue approvals", zap.Strings("units", expired))
	}

	phase := types.PhaseDiscovery
	waiting, err := d.orch.Units(d.ctx, types.UnitFilter{Phase: &phase})
	if err != nil {
		return 0, err
	}
	for _, u := range waiting {
		d.watch(u.ID)
	}

	d.wg.Add(1)
	go d.drainOutbox()

	if d.cfg.Metrics.Addr != "" {
		if err := d.serveMetrics(); err != nil {
			return 0, err
		}
	}

	if err := d.server.Start(d.ctx); err != nil {
		return 0, err
	}
	return restored, nil
}

// watch escalates unitID if its approval window closes. At most one watcher
// runs per unit.
func (d *daemon) watch(unitID string) {
	d.mu.Lock()
	if d.watching[unitID] || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.watching[unitID] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.watching, unitID)
			d.mu.Unlock()
		}()

		u, err := d.orch.WaitForApproval(d.ctx, unitID)
		var timeout *types.TimeoutError
		switch {
		case errors.As(err, &timeout):
			d.logger.Warn("approval window closed",
				zap.String(logging.FieldUnit, unitID), zap.Duration("timeout", d.orch.ApprovalTimeout()))
		case err != nil && !errors.Is(err, context.Canceled):
			d.logger.Warn("approval watch failed", zap.String(logging.FieldUnit, unitID), zap.Error(err))
		case err == nil:
			d.logger.Debug("left discovery",
				zap.String(logging.FieldUnit, unitID), zap.String(logging.FieldPhase, string(u.Phase)))
		}
	}()
}

// drainOutbox logs messages addressed to the humans driving the roles
func (d *daemon) drainOutbox() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-d.coordinator.Outbox():
			fields := append(logging.Unit(msg.UnitID, msg.Iteration),
				zap.String(logging.FieldRole, string(msg.To)),
				zap.String(logging.FieldKind, string(msg.Kind())))
			switch p := msg.Payload.(type) {
			case types.Decision:
				fields = append(fields, zap.String(logging.FieldVerdict, string(p.Verdict)), zap.String("reason", p.Reason))
			case types.BlockerNotice:
				fields = append(fields, zap.Strings("blockers", p.Blockers))
			}
			d.logger.Info("outbox", fields...)
		}
	}
}

func (d *daemon) serveMetrics() error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Metrics.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.metricsLn = ln
	d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

func (d *daemon) metricsAddr() string {
	if d.metricsLn == nil {
		return ""
	}
	return d.metricsLn.Addr().String()
}

// stop shuts everything down in reverse order and waits for goroutines
func (d *daemon) stop() error {
	var errs []error
	if err := d.server.Stop(); err != nil {
		errs = append(errs, err)
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.coordinator.Stop(); err != nil {
		errs = append(errs, err)
	}
	d.wg.Wait()
	return errors.Join(errs...)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
