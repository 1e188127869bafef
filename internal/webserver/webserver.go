package webserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsprackett/notify-overlay/internal/db"
	"github.com/zsprackett/notify-overlay/internal/events"
	"github.com/zsprackett/notify-overlay/internal/presenter"
	"github.com/zsprackett/notify-overlay/internal/rules"
)

type TLSConfig struct {
	Mode     string // "self-signed", "manual", or "" (plain HTTP)
	CertFile string
	KeyFile  string
	CacheDir string
}

type AuthConfig struct {
	Enabled         bool
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type Config struct {
	Enabled      bool
	Port         int
	Host         string
	TLS          TLSConfig
	Auth         AuthConfig
	IngestPerSec float64
	IngestBurst  int
	AssetsDir    string
}

// Overlay is the running presentation service behind the HTTP surface.
type Overlay interface {
	Ingest(ctx context.Context, raw string) error
	Snapshot() presenter.DisplayState
}

// RuleSource exposes the rule table currently in effect.
type RuleSource interface {
	Table() *rules.Table
}

type Server struct {
	store   *db.DB
	overlay Overlay
	rules   RuleSource
	cfg     Config
	ingest  *rate.Limiter
	logger  *slog.Logger
	srv     *http.Server

	mu      sync.Mutex
	clients map[chan events.Event]struct{}
}

func New(store *db.DB, overlay Overlay, rs RuleSource, cfg Config, logger *slog.Logger) *Server {
	if cfg.Auth.AccessTokenTTL <= 0 {
		cfg.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.Auth.RefreshTokenTTL <= 0 {
		cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	limit := rate.Limit(cfg.IngestPerSec)
	if cfg.IngestPerSec <= 0 {
		limit = rate.Inf
	}
	return &Server{
		store:   store,
		overlay: overlay,
		rules:   rs,
		cfg:     cfg,
		ingest:  rate.NewLimiter(limit, max(cfg.IngestBurst, 1)),
		logger:  logger,
		clients: make(map[chan events.Event]struct{}),
	}
}

// Broadcast implements events.Broadcaster. Clients whose buffer is full
// miss the event; the next one carries the complete state anyway.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.Handle("POST /api/events", s.protect(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.cfg.Auth.Enabled {
		mux.HandleFunc("POST /api/auth/login", s.handleLogin)
		mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
		mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	}
	if s.cfg.AssetsDir != "" {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.Dir(s.cfg.AssetsDir))))
	}
	mux.Handle("GET /", overlayPage())
	return mux
}

func (s *Server) protect(h http.Handler) http.Handler {
	if !s.cfg.Auth.Enabled {
		return h
	}
	return jwtMiddleware(s.cfg.Auth.JWTSecret, h)
}

// Start listens in the background. It returns once the listener config is
// valid; serve errors are logged.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	tlsCfg, err := buildTLS(s.cfg.TLS, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("webserver tls: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("webserver: serve failed", "addr", addr, "err", err)
		}
	}()
	s.logger.Info("webserver: listening", "addr", addr, "tls", tlsCfg != nil)
	return nil
}

// Shutdown stops the listener. SSE and websocket handlers end when their
// request contexts are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
