package overlay

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/kototsuna/internal/health"
)

//go:embed static
var staticFiles embed.FS

const (
	// DefaultAddr is where the overlay listens unless configured.
	DefaultAddr = "127.0.0.1:8080"

	// DefaultPortTries is how many consecutive ports Listen attempts.
	DefaultPortTries = 10

	wsWriteTimeout    = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithMiddleware wraps the whole handler, outermost last.
func WithMiddleware(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// WithStatic replaces the embedded overlay page with files from fsys.
func WithStatic(fsys fs.FS) ServerOption {
	return func(s *Server) { s.static = fsys }
}

// WithRoute mounts h at pattern alongside the overlay endpoints.
func WithRoute(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.routes = append(s.routes, route{pattern, h}) }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Server is the overlay HTTP server.
type Server struct {
	hub        *Hub
	health     *health.Handler
	metrics    http.Handler
	middleware []func(http.Handler) http.Handler
	static     fs.FS
	routes     []route
	log        *slog.Logger

	srv *http.Server
	// base parents every request context; cancelling it ends websocket
	// handlers, which Shutdown does not track once hijacked.
	base       context.Context
	cancelBase context.CancelFunc
}

type route struct {
	pattern string
	h       http.Handler
}

// NewServer returns a Server publishing hub.
func NewServer(hub *Hub, opts ...ServerOption) *Server {
	s := &Server{hub: hub}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.static == nil {
		sub, err := fs.Sub(staticFiles, "static")
		if err != nil {
			panic(fmt.Sprintf("overlay: embedded static files: %v", err))
		}
		s.static = sub
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/current", s.handleCurrent)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	for _, rt := range s.routes {
		mux.Handle(rt.pattern, rt.h)
	}
	mux.Handle("GET /", http.FileServerFS(s.static))

	var h http.Handler = mux
	for _, mw := range s.middleware {
		h = mw(h)
	}
	return h
}

// Listen binds addr. When the port is taken it tries the following ports,
// up to tries attempts in total.
func Listen(addr string, tries int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("overlay: listen port %q: %w", portStr, err)
	}
	if tries < 1 || port == 0 {
		tries = 1
	}
	var errs []error
	for i := 0; i < tries; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i)))
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("overlay: no free port from %d: %w", port, errors.Join(errs...))
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("overlay server listening", "url", "http://"+ln.Addr().String()+"/overlay.html")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("overlay: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes websocket clients and waits
// for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	err := s.srv.Shutdown(ctx)
	s.log.Info("overlay server stopped")
	return err
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.hub.Current())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.hub.History())
}

// handleWS pushes the current line on connect and every update after it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Browser sources in streaming software send no usable Origin.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("overlay websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// The overlay never sends; CloseRead handles pings and reports hang-ups.
	ctx := conn.CloseRead(r.Context())

	if err := s.push(ctx, conn, s.hub.Current()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case cur, ok := <-updates:
			if !ok {
				return
			}
			if err := s.push(ctx, conn, cur); err != nil {
				s.log.Debug("overlay websocket write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn, cur Current) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, cur)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(v)
}
