package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/amcpd/internal/observability"
	"github.com/harun/amcpd/internal/tracing"
	"github.com/harun/amcpd/pkg/amcp"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultReadBufferSize = 4096
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleAfter      = 5 * time.Minute
)

// Config holds server configuration
type Config struct {
	// TCPAddr is the AMCP listen address, e.g. ":5250". Empty disables TCP.
	TCPAddr string
	// HTTPAddr serves /ws, /metrics and /healthz. Empty disables HTTP.
	HTTPAddr string
	// EnableWebSocket mounts /ws on the HTTP server.
	EnableWebSocket bool

	RateLimit      float64
	RateBurst      int
	ReadBufferSize int
	WriteTimeout   time.Duration

	Handler Handler
	Logger  *zerolog.Logger
}

// Server accepts AMCP clients over TCP and WebSocket and hands their bytes
// to a Handler. It is also the reply sink: Send and Disconnect address a
// client by the session id the handler was given.
type Server struct {
	cfg      Config
	clients  *ClientRegistry
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	limitMu   sync.RWMutex
	rateLimit float64
	rateBurst int

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	tcpListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	started      bool
	stopped      bool
	wg           sync.WaitGroup
}

var _ amcp.Sink = (*Server)(nil)

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.TCPAddr == "" && cfg.HTTPAddr == "" {
		return nil, ErrNoListener
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var base zerolog.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	} else {
		base = log.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		clients:   NewClientRegistry(),
		logger:    base.With().Str("component", "gateway").Logger(),
		handler:   cfg.Handler,
		rateLimit: cfg.RateLimit,
		rateBurst: cfg.RateBurst,
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.ReadBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// SetHandler installs the handler. The dispatcher needs the server as its
// sink, so the two are wired after construction.
func (s *Server) SetHandler(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

func (s *Server) currentHandler() Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// SetRateLimit changes the input throttle for new and connected clients.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	s.limitMu.Lock()
	s.rateLimit, s.rateBurst = perSecond, burst
	s.limitMu.Unlock()

	for _, c := range s.clients.GetAll() {
		c.RateLimiter.UpdateLimits(perSecond, burst)
	}
	s.logger.Info().Float64("perSecond", perSecond).Int("burst", burst).Msg("Client rate limit updated")
}

func (s *Server) newRateLimiter() *ClientRateLimiter {
	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	return NewClientRateLimiter(s.rateLimit, s.rateBurst)
}

// Start opens the listeners and begins accepting clients.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("gateway already started")
	}
	if s.currentHandler() == nil {
		return errors.New("gateway handler is required")
	}

	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.TCPAddr, err)
		}
		s.tcpListener = ln
		s.wg.Add(1)
		go s.acceptLoop(ln)
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Accepting AMCP clients")
	}

	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			if s.tcpListener != nil {
				_ = s.tcpListener.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpListener = ln
		s.httpServer = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("Gateway HTTP server error")
			}
		}()
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Bool("websocket", s.cfg.EnableWebSocket).
			Msg("Serving HTTP endpoints")
	}

	s.started = true
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.EnableWebSocket {
		mux.HandleFunc("/ws", s.handleWebSocket)
	}
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.clients.Count())
	})
	return mux
}

// TCPAddr returns the bound AMCP address, or nil before Start.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Stop closes the listeners and every client, then waits for the read
// loops to finish. Repeated calls are safe.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	tcp, httpSrv := s.tcpListener, s.httpServer
	s.mu.Unlock()

	s.logger.Info().Int("clients", s.clients.Count()).Msg("Shutting down Gateway Server")
	s.cancel()

	var errs []error
	if tcp != nil {
		if err := tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}
	for _, c := range s.clients.GetAll() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return errors.Join(errs...)
}

// Send writes text to the session's client.
func (s *Server) Send(sessionID, text string) error {
	c, ok := s.clients.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, sessionID)
	}
	if err := c.Write(text, s.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("failed to write to %s: %w", sessionID, err)
	}
	return nil
}

// Disconnect closes the session's connection. Its read loop then cleans up.
func (s *Server) Disconnect(sessionID string) error {
	c, ok := s.clients.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, sessionID)
	}
	return c.Close()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients(DefaultIdleAfter)
}

// HasClient reports whether sessionID is still connected.
func (s *Server) HasClient(sessionID string) bool {
	_, ok := s.clients.Get(sessionID)
	return ok
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Failed to accept connection")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		client, err := s.register(TransportTCP, nc.RemoteAddr().String(), &tcpConn{conn: nc})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to register client")
			_ = nc.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readTCP(client, nc)
		}()
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ctx.Done():
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client, err := s.register(TransportWebSocket, r.RemoteAddr, &wsConn{conn: ws})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to register client")
		_ = ws.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readWebSocket(client, ws)
	}()
}

func (s *Server) register(transport Transport, remote string, c conn) (*Client, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}
	client := newClient(id, transport, remote, c, s.newRateLimiter())
	observability.SetActiveSessions(s.clients.Add(client))

	s.logger.Info().
		Str("session_id", id).
		Str("transport", string(transport)).
		Str("ip", remote).
		Msg("Client connected")
	return client, nil
}

func (s *Server) unregister(client *Client) {
	_ = client.Close()
	if h := s.currentHandler(); h != nil {
		h.Close(client.ID)
	}
	observability.SetActiveSessions(s.clients.Remove(client.ID))
	s.logger.Info().Str("session_id", client.ID).Msg("Client disconnected")
}

func (s *Server) readTCP(client *Client, nc net.Conn) {
	defer s.unregister(client)

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if !s.deliver(client, append([]byte(nil), buf[:n]...)) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Str("session_id", client.ID).Msg("Read failed")
			}
			return
		}
	}
}

// readWebSocket treats every text or binary message as a chunk of the
// stream. A message without a trailing delimiter is one command line.
func (s *Server) readWebSocket(client *Client, ws *websocket.Conn) {
	defer s.unregister(client)

	ws.SetReadLimit(int64(s.cfg.ReadBufferSize) * 16)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("session_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		if len(message) == 0 {
			continue
		}
		if !strings.HasSuffix(string(message), amcp.Delimiter) {
			message = append(message, amcp.Delimiter...)
		}
		if !s.deliver(client, message) {
			return
		}
	}
}

// deliver throttles and hands one chunk to the handler. It returns false
// when the server is shutting down.
func (s *Server) deliver(client *Client, data []byte) bool {
	if err := client.RateLimiter.Wait(s.ctx); err != nil {
		return false
	}
	client.touch(len(data))

	h := s.currentHandler()
	if h == nil {
		return true
	}
	ctx, span := tracing.StartSpan(tracing.WithSessionID(s.ctx, client.ID), tracing.TracerGateway, "gateway.read",
		attribute.String("session_id", client.ID),
		attribute.String("transport", string(client.Transport)),
		attribute.Int("bytes", len(data)),
	)
	h.OnData(ctx, client.ID, data)
	span.End()
	return true
}

type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) write(text string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := io.WriteString(c.conn, text)
	return err
}

func (c *tcpConn) close() error {
	return c.conn.Close()
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) write(text string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) close() error {
	return c.conn.Close()
}
