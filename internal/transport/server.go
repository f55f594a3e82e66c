package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/dfuerr"
	"github.com/muurk/securedfu/internal/logging"
)

const (
	// DefaultPath is where the update endpoint is served
	DefaultPath = "/dfu"

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed for a graceful shutdown
	shutdownWait = 10 * time.Second
)

// ErrNoSession is returned by Respond when no host is connected
var ErrNoSession = errors.New("transport: no host connected")

// ServerConfig holds the device endpoint configuration
type ServerConfig struct {
	Addr string // Listen address, e.g. ":8765"
	Path string // Endpoint path; DefaultPath when empty
}

// Server is the device side of the update transport. It accepts one host
// session at a time over WebSocket and implements dfu.Transport.
type Server struct {
	config   ServerConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	commands chan dfu.Command
	quit     chan struct{}
	quitOnce sync.Once

	mu       sync.Mutex
	session  *websocket.Conn
	remote   string
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a device endpoint
func NewServer(config ServerConfig, logger *zap.Logger) *Server {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	s := &Server{
		config: config,
		logger: logging.Or(logger).Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
		},
		mux:      http.NewServeMux(),
		commands: make(chan dfu.Command, 1),
		quit:     make(chan struct{}),
	}
	s.mux.HandleFunc(config.Path, s.handleUpgrade)
	return s
}

// Handle mounts an additional handler on the endpoint's mux
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler serving the endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the bound listen address once ListenAndServe has started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Update endpoint listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.config.Path),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down update endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.quitOnce.Do(func() { close(s.quit) })
	s.closeSession("device shutting down")

	// Hijacked connections are not tracked by http.Server
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Shutdown timeout, forcing close")
	}
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.session != nil
	s.mu.Unlock()
	if busy {
		http.Error(w, "update session already in progress", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.session, s.remote = conn, r.RemoteAddr
	s.wg.Add(1)
	s.mu.Unlock()

	logging.LogConnection(s.logger, r.RemoteAddr, "websocket_upgraded")
	go func() {
		defer s.wg.Done()
		s.serveSession(conn, r.RemoteAddr)
	}()
}

// serveSession decodes frames into the command queue until the host leaves
func (s *Server) serveSession(conn *websocket.Conn, remote string) {
	defer func() {
		s.mu.Lock()
		if s.session == conn {
			s.session = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		logging.LogConnection(s.logger, remote, "websocket_closed")
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Session ended", zap.String("remote_addr", remote), zap.Error(err))
			}
			return
		}
		logging.LogWebSocketMessage(s.logger, remote, "received", mt, data)

		if mt != websocket.BinaryMessage {
			s.logger.Warn("Ignoring non-binary frame", zap.String("remote_addr", remote))
			continue
		}

		cmd, err := DecodeCommand(data)
		if err != nil {
			if werr := s.writeTo(conn, dfu.Response{Status: dfuerr.StatusCommand, Message: err.Error()}); werr != nil {
				return
			}
			continue
		}
		select {
		case s.commands <- cmd:
		case <-s.quit:
			return
		}
	}
}

// Receive implements dfu.Transport
func (s *Server) Receive(ctx context.Context) (dfu.Command, error) {
	select {
	case cmd := <-s.commands:
		return cmd, nil
	case <-ctx.Done():
		return dfu.Command{}, ctx.Err()
	}
}

// Respond implements dfu.Transport
func (s *Server) Respond(resp dfu.Response) error {
	s.mu.Lock()
	conn := s.session
	s.mu.Unlock()
	if conn == nil {
		return ErrNoSession
	}
	return s.writeTo(conn, resp)
}

func (s *Server) writeTo(conn *websocket.Conn, resp dfu.Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	// Writes come from the engine and from the session reader on decode errors
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	logging.LogWebSocketMessage(s.logger, s.remote, "sent", websocket.BinaryMessage, data)
	return nil
}

// Reset implements dfu.Transport. Commands queued from the abandoned
// attempt are dropped; the session stays open.
func (s *Server) Reset() error {
	dropped := 0
	for {
		select {
		case <-s.commands:
			dropped++
		default:
			if dropped > 0 {
				s.logger.Debug("Dropped queued commands", zap.Int("count", dropped))
			}
			return nil
		}
	}
}

// Stop implements dfu.Transport. It closes the current session; the
// listener keeps accepting hosts for the next update loop.
func (s *Server) Stop() error {
	s.closeSession("image launched")
	return s.Reset()
}

func (s *Server) closeSession(reason string) {
	s.mu.Lock()
	conn := s.session
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}

// Connected reports whether a host session is open
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}
