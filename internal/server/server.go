package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/executor"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/registry"
	"github.com/kilroy-control/plane/internal/task"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Core bundles the control plane's process-wide stores and engines,
// injected at process start. The server borrows them; it owns none of them.
type Core struct {
	Leaves  *leaf.Registry
	Options *registry.Registry
	Flow    *registry.DynamicFlow
	Tasks   *task.Store
	Exec    *executor.Executor
	Interp  *bt.Interpreter
	Reasons *blockedreason.Registry

	// Reports receives a golden-run report per tick; nil disables emission.
	Reports executor.ReportSink

	// LeafContext builds the leaf.Context one run or tick executes under.
	LeafContext func(ctx context.Context) leaf.Context

	// Clock returns unix millis; nil means wall clock. Tests inject a
	// fixed clock for deterministic TTL/backoff behavior.
	Clock func() int64
}

// Server is the control plane's HTTP surface.
type Server struct {
	config   Config
	core     Core
	registry *RunRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger

	// coreMu serializes every mutation of the core stores, standing in for
	// the central event loop of the cooperative scheduling model.
	coreMu          sync.Mutex
	recentDecisions []string
}

// New creates a new Server around an injected core.
func New(cfg Config, core Core) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		core:     core,
		registry: NewRunRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   log.New(os.Stderr, "[plane-server] ", log.LstdFlags),
	}
	if s.core.LeafContext == nil {
		s.core.LeafContext = func(ctx context.Context) leaf.Context {
			return leaf.Bind(ctx, core.Clock)
		}
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /run-option", s.handleRunOption)
	mux.HandleFunc("POST /run-option/stream", s.handleRunOptionStream)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /active-runs", s.handleActiveRuns)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /task", s.handleCreateTask)
	mux.HandleFunc("POST /goal", s.handleCreateGoal)
	mux.HandleFunc("GET /task-stats/{taskId}", s.handleTaskStats)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /autonomous", s.handleAutonomous)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux, cfg.Addr),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler exposes the configured mux, for tests driving the server through
// httptest without a listener.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler, _ string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins. This blocks browser-based
				// CSRF from remote pages while allowing local web UIs.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and all outstanding option runs.
func (s *Server) Shutdown() {
	// Cancel all running options.
	s.registry.CancelAll("server shutting down")

	// Give HTTP connections time to drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	// Cancel the base context.
	s.cancel()
}
