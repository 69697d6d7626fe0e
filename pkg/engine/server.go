package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sandboxhq/sandboxd/pkg/chaos"
	"github.com/sandboxhq/sandboxd/pkg/config"
	"github.com/sandboxhq/sandboxd/pkg/rules"
	"github.com/sandboxhq/sandboxd/pkg/spec"
	"github.com/sandboxhq/sandboxd/pkg/store"
)

// Server assembles the full stack from configuration: document, rules,
// store backend, pipeline and the process-level HTTP listener.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	httpSrv *http.Server
	backend store.Store
	logger  *slog.Logger
}

// New builds a server from configuration. Load-time failures — a bad
// document, a malformed rules file, an unreachable backend — are fatal
// here, before the listener ever opens.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	doc, err := spec.Load(cfg.OAS)
	if err != nil {
		return nil, err
	}

	var ruleSet []*rules.Rule
	if cfg.Scenarios != "" {
		ruleSet, err = rules.Load(cfg.Scenarios)
		if err != nil {
			return nil, err
		}
	}

	backend, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	handler := http.Handler(NewHandler(HandlerConfig{
		Doc:              doc,
		Rules:            ruleSet,
		Store:            backend,
		Seed:             cfg.Seed,
		ValidateRequests: cfg.Validate.Requests,
		ResponsesMode:    cfg.ResponsesMode(),
		Logger:           logger,
	}))

	if cfg.Chaos.Enabled() {
		injector, err := chaos.NewInjector(cfg.Chaos, cfg.Seed, logger)
		if err != nil {
			backend.Close()
			return nil, err
		}
		handler = injector.Middleware(handler)
	}

	srv := &Server{
		cfg:     cfg,
		handler: handler,
		backend: backend,
		logger:  logger,
		httpSrv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return srv, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.Store.File != nil:
		return store.NewFile(store.FileConfig{
			Path:               cfg.Store.File.Path,
			CompactionInterval: cfg.Store.File.CompactionInterval.Std(),
			SnapshotOnShutdown: cfg.Store.File.SnapshotOnShutdown,
		})
	case cfg.Store.Network != nil:
		n := cfg.Store.Network
		rc := store.DefaultRedisConfig()
		rc.Host = n.Host
		if n.Port != 0 {
			rc.Port = n.Port
		}
		rc.Password = n.Password
		rc.DB = n.DB
		if n.KeyPrefix != "" {
			rc.KeyPrefix = n.KeyPrefix
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return store.NewRedis(ctx, rc)
	default:
		mc := store.DefaultMemoryConfig()
		if m := cfg.Store.Memory; m != nil {
			mc.MaxSize = m.MaxSize
			mc.DefaultTTL = time.Duration(m.DefaultTTL * float64(time.Second))
		}
		return store.NewMemory(mc), nil
	}
}

// Handler exposes the assembled pipeline for embedding in another mux
// or middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe opens the listener and blocks until Shutdown or a
// listener failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Listen)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("engine: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if cerr := s.backend.Close(); err == nil {
		err = cerr
	}
	return err
}
