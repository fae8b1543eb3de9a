package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/auth"
	"github.com/danmuck/ircmux/internal/observability"
	"github.com/danmuck/ircmux/internal/state"
)

// Core is the intent surface the API drives.
type Core interface {
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) error
	DisconnectAll(ctx context.Context) error
	SendRaw(ctx context.Context, id, line string) error
	SendMessage(ctx context.Context, id, target, text string) error
	Command(ctx context.Context, id, target, input string) error
	Select(id, name string) error
	CloseBuffer(ctx context.Context, id, name string) error
	AcceptOffer(ctx context.Context, offerID string) (string, error)
	RejectOffer(offerID string) error
	SendFile(ctx context.Context, id, peer, path string) (string, error)
	StartChat(ctx context.Context, id, peer string) (string, error)
	SendChatLine(sessionID, line string) error
	CancelTransfer(sessionID string) error
	Snapshot() *state.Snapshot
	Subscribe() (<-chan struct{}, func())
	Buffer(id, name string) (state.Buffer, error)
}

type Config struct {
	Addr        string
	CORSOrigins []string
	// MaxWait bounds long-poll requests on /state.
	MaxWait         time.Duration
	ShutdownTimeout time.Duration
	// Validator guards every route except /health. Nil leaves the API open.
	Validator auth.Validator
}

func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8690",
		MaxWait:         30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = d.Addr
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Server exposes Core over HTTP.
type Server struct {
	cfg      Config
	core     Core
	router   *gin.Engine
	appeared time.Time
	version  string
}

func NewServer(core Core, cfg Config, version string) *Server {
	observability.RegisterMetrics()
	cfg = cfg.WithDefaults()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("api")))
	r.Use(observability.RequestMetricsMiddleware("ircmuxd"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, core: core, router: r, appeared: time.Now(), version: version}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("api.Server.Serve listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	return out
}
