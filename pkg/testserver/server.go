// Package testserver runs a local HTTP server for exercising connection
// reuse after a WebSocket upgrade. It serves a WebSocket endpoint whose
// upgrade behaviour is configurable and a plain HTTP endpoint, and counts
// the TCP connections it accepts.
package testserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/xfer-go/pkg/logging"
)

// Paths served by the test server
const (
	PathWS   = "/path/ws/2724"
	PathHTTP = "/path/http/2724"
)

// UpgradeMode selects how the WebSocket endpoint answers an upgrade request
type UpgradeMode int32

const (
	// UpgradeRefuse answers 200 with a short body, ignoring the upgrade
	UpgradeRefuse UpgradeMode = iota
	// UpgradeReject answers 400 with a short body
	UpgradeReject
	// UpgradeAccept switches protocols and echoes frames
	UpgradeAccept
)

func (m UpgradeMode) String() string {
	switch m {
	case UpgradeRefuse:
		return "refuse"
	case UpgradeReject:
		return "reject"
	case UpgradeAccept:
		return "accept"
	}
	return "unknown"
}

// ParseUpgradeMode converts "refuse", "reject" or "accept" to an UpgradeMode
func ParseUpgradeMode(s string) (UpgradeMode, error) {
	switch s {
	case "", "refuse":
		return UpgradeRefuse, nil
	case "reject":
		return UpgradeReject, nil
	case "accept":
		return UpgradeAccept, nil
	}
	return UpgradeRefuse, fmt.Errorf("unknown upgrade mode %q", s)
}

// Config configures a Server
type Config struct {
	// Addr to listen on (default: 127.0.0.1:0)
	Addr string
	// UpgradeMode for PathWS
	UpgradeMode UpgradeMode
	// RefuseBody is sent with refused and rejected upgrades
	RefuseBody string
	// ReadHeaderTimeout for incoming requests (default: 5s)
	ReadHeaderTimeout time.Duration
	Logger            logging.Logger
}

// DefaultConfig returns a configuration for a loopback server on a free port
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:0",
		UpgradeMode:       UpgradeRefuse,
		RefuseBody:        "not upgrading\n",
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Stats counts server activity
type Stats struct {
	ConnectionsAccepted int64
	ConnectionsActive   int64
	Requests            int64
	Upgrades            int64
	UpgradesRefused     int64
}

// Server is the local test server
type Server struct {
	cfg      Config
	logger   logging.Logger
	router   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
	mode     atomic.Int32

	mu       sync.Mutex
	ln       net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc
	closing  bool
	conns    map[*websocket.Conn]struct{}
	sessions sync.WaitGroup

	accepted atomic.Int64
	active   atomic.Int64
	requests atomic.Int64
	upgrades atomic.Int64
	refused  atomic.Int64
}

// New creates a server; call Start to begin listening
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RefuseBody == "" {
		cfg.RefuseBody = def.RefuseBody
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.UpgradeMode < UpgradeRefuse || cfg.UpgradeMode > UpgradeAccept {
		return nil, fmt.Errorf("invalid upgrade mode %d", cfg.UpgradeMode)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithFields(logging.String("component", "testserver")),
		conns:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
	s.mode.Store(int32(cfg.UpgradeMode))

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.countRequests)
	s.router.GET(PathWS, s.handleWebSocket)
	s.router.GET(PathHTTP, s.handleHTTP)

	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          logging.NewStdLogger(s.logger, "testserver", logging.WarnLevel),
		ConnState:         s.trackConn,
	}
	return s, nil
}

// Start listens and serves until ctx is cancelled or Close is called
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		// hijacked websocket connections are not tracked by Shutdown
		s.closeSessions()
		s.sessions.Wait()
		return err
	})

	s.logger.Info("listening", logging.String("addr", ln.Addr().String()),
		logging.String("upgrade_mode", s.UpgradeMode().String()))
	return nil
}

// Close shuts the server down and waits for it to stop
func (s *Server) Close() error {
	s.mu.Lock()
	g, cancel := s.group, s.cancel
	s.group, s.cancel = nil, nil
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	return g.Wait()
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Host returns the listening host
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// URL returns scheme://addr/path for this server
func (s *Server) URL(scheme, path string) string {
	return scheme + "://" + s.Addr() + path
}

// SetUpgradeMode changes how later upgrade requests are answered
func (s *Server) SetUpgradeMode(mode UpgradeMode) {
	s.mode.Store(int32(mode))
}

// UpgradeMode returns the current upgrade mode
func (s *Server) UpgradeMode() UpgradeMode {
	return UpgradeMode(s.mode.Load())
}

// Stats returns the server counters
func (s *Server) Stats() Stats {
	return Stats{
		ConnectionsAccepted: s.accepted.Load(),
		ConnectionsActive:   s.active.Load(),
		Requests:            s.requests.Load(),
		Upgrades:            s.upgrades.Load(),
		UpgradesRefused:     s.refused.Load(),
	}
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.accepted.Add(1)
		s.active.Add(1)
	case http.StateHijacked, http.StateClosed:
		s.active.Add(-1)
	}
}

func (s *Server) countRequests(c *gin.Context) {
	s.requests.Add(1)
	s.logger.Debug("request",
		logging.String("method", c.Request.Method),
		logging.String("path", c.Request.URL.Path),
		logging.String("remote_addr", c.Request.RemoteAddr))
	c.Next()
}

func (s *Server) handleHTTP(c *gin.Context) {
	c.String(http.StatusOK, "OK\n")
}

func (s *Server) handleWebSocket(c *gin.Context) {
	switch s.UpgradeMode() {
	case UpgradeAccept:
		s.acceptUpgrade(c)
	case UpgradeReject:
		s.refused.Add(1)
		c.String(http.StatusBadRequest, s.cfg.RefuseBody)
	default:
		s.refused.Add(1)
		c.String(http.StatusOK, s.cfg.RefuseBody)
	}
}

func (s *Server) acceptUpgrade(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written an error response
		s.logger.Warn("upgrade failed", logging.ErrorField(err))
		return
	}
	s.upgrades.Add(1)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sessions.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		s.echo(conn)
	}()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) echo(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", logging.ErrorField(err))
			}
			return
		}
		if err := conn.WriteMessage(typ, data); err != nil {
			return
		}
	}
}
