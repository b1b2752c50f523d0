package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/logging"
)

// Handler executes a command and returns the response payload
type Handler func(ctx context.Context, cmd Command) (interface{}, error)

// Server manages the control socket
type Server struct {
	socketPath string
	listener   net.Listener
	logger     *zap.Logger
	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	conns      sync.WaitGroup
	cancel     context.CancelFunc

	// Command handler - called when commands are received
	onCommand Handler
}

// NewServer creates a new control server
// socketPath should be something like .overseer/control.sock
func NewServer(socketPath string, onCommand Handler, logger *zap.Logger) (*Server, error) {
	if onCommand == nil {
		return nil, fmt.Errorf("command handler is required")
	}

	// Ensure parent directory exists
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove existing socket file if it exists (from crashed previous instance)
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	return &Server{
		socketPath: socketPath,
		onCommand:  onCommand,
		logger:     logging.OrNop(logger).Named("control"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins listening for control commands
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("control server already running")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create control socket: %w", err)
	}

	// Stop cancels commands still in flight, e.g. a submit waiting on a review
	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("control server listening", zap.String("socket", s.socketPath))

	go s.acceptLoop(ctx)
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Set accept timeout to allow checking stop channel
		if err := s.listener.(*net.UnixListener).SetDeadline(time.Now().Add(1 * time.Second)); err != nil {
			s.logger.Warn("failed to set accept deadline", zap.Error(err))
			continue
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection processes a single control connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Set read deadline to prevent hanging on bad clients
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.sendError(conn, fmt.Sprintf("failed to decode command: %v", err))
		return
	}
	// the command may block for a review; only the read is bounded
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Warn("failed to clear read deadline", zap.Error(err))
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}

	resp := s.dispatch(ctx, cmd)
	if err := s.sendResponse(conn, resp); err != nil {
		s.logger.Warn("failed to send response", zap.String("command", cmd.Type), zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) Response {
	log := s.logger.With(zap.String("command", cmd.Type), zap.String(logging.FieldUnit, cmd.UnitID))

	data, err := s.onCommand(ctx, cmd)
	if err != nil {
		_, _, kind := events.Classify(err)
		log.Info("command failed", zap.String(logging.FieldKind, kind), zap.Error(err))
		return Response{
			Success: false,
			Message: fmt.Sprintf("Command failed: %v", err),
			Error:   err.Error(),
			Kind:    kind,
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Response{Success: false, Message: "failed to encode response", Error: err.Error()}
	}
	log.Debug("command completed")
	return Response{
		Success: true,
		Message: fmt.Sprintf("Command '%s' completed successfully", cmd.Type),
		Data:    raw,
	}
}

// sendError sends an error response to the client
func (s *Server) sendError(conn net.Conn, message string) {
	resp := Response{
		Success: false,
		Message: message,
		Error:   message,
	}
	_ = s.sendResponse(conn, resp) // Ignore errors on error path
}

// sendResponse sends a response to the client
func (s *Server) sendResponse(conn net.Conn, resp Response) error {
	return json.NewEncoder(conn).Encode(resp)
}

// Stop stops the control server and waits for open connections
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	close(s.stopCh)
	cancel()

	// Close listener to unblock Accept
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("error closing listener", zap.Error(err))
		}
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timeout waiting for server shutdown")
	}
	s.conns.Wait()

	if err := os.RemoveAll(s.socketPath); err != nil {
		s.logger.Warn("failed to remove socket file", zap.Error(err))
	}

	s.logger.Info("control server stopped")
	return nil
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SocketPath returns the path to the control socket
func (s *Server) SocketPath() string {
	return s.socketPath
}
