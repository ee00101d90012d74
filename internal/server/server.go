// ABOUTME: Server orchestrator that wires the store, planning engine and HTTP/gRPC listeners
// ABOUTME: Builds every component from config and manages their lifecycle

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/winatecommerce96/emailpilot/internal/asana"
	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/cache"
	"github.com/winatecommerce96/emailpilot/internal/config"
	"github.com/winatecommerce96/emailpilot/internal/imgproxy"
	"github.com/winatecommerce96/emailpilot/internal/klaviyo"
	"github.com/winatecommerce96/emailpilot/internal/pipeline"
	"github.com/winatecommerce96/emailpilot/internal/planner"
	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
	"github.com/winatecommerce96/emailpilot/internal/tracing"
)

// ServiceName is reported by the gRPC health service.
const ServiceName = "emailpilot"

// Backend is everything the API persists. Both SQLiteStore and MockStore satisfy it.
type Backend interface {
	store.Store
	store.RunStore
	store.UserStore
	store.AuditStore
}

// pinger is implemented by stores that can report database reachability.
type pinger interface {
	Ping() error
}

// Deps are the components a Server is assembled from.
type Deps struct {
	Store    Backend
	Engine   *pipeline.Engine
	Rules    rules.Provider
	Images   *imgproxy.Proxy
	Verifier *auth.JWTVerifier // nil disables authentication
	TokenTTL time.Duration
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC health listener
	Logger   *slog.Logger
	Tracer   trace.Tracer // defaults to the global emailpilot tracer
}

// Server serves the emailpilot HTTP API and the gRPC health service.
type Server struct {
	store    Backend
	engine   *pipeline.Engine
	rules    rules.Provider
	images   *imgproxy.Proxy
	verifier *auth.JWTVerifier
	tokenTTL time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	httpAddr   string
	grpcAddr   string

	// closers run in order on Close, after the store is no longer used
	closers []func()
}

// New builds a Server and all of its components from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	var closers []func()
	fail := func(err error) (*Server, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = st.Close()
		return nil, err
	}

	var provider rules.Provider = rules.Static(rules.Defaults())
	if cfg.Planning.RulesFile != "" {
		w, err := rules.NewWatcher(cfg.Planning.RulesFile, logger)
		if err != nil {
			return fail(fmt.Errorf("loading rules: %w", err))
		}
		closers = append(closers, func() { _ = w.Close() })
		provider = w
	}

	gen, err := newGenerator(ctx, cfg.Planning, logger)
	if err != nil {
		return fail(err)
	}

	publishCache := cache.New[struct{}](24*time.Hour, 10_000)
	closers = append(closers, publishCache.Close)

	opts := []pipeline.Option{
		pipeline.WithRules(provider),
		pipeline.WithPublishCache(publishCache),
		pipeline.WithMaxAttempts(cfg.Planning.MaxAttempts),
		pipeline.WithTargetCount(cfg.Planning.TargetCount),
		pipeline.WithSendHour(cfg.Planning.SendHour),
		pipeline.WithSegments(cfg.Planning.Segments),
		pipeline.WithTracer(tracing.Tracer()),
		pipeline.WithLogger(logger),
	}
	if cfg.Klaviyo.Enabled() {
		kc := klaviyo.New(klaviyo.Config{
			BaseURL:            cfg.Klaviyo.BaseURL,
			APIKey:             cfg.Klaviyo.APIKey,
			Revision:           cfg.Klaviyo.Revision,
			RequestsPerSecond:  cfg.Klaviyo.RequestsPerSecond,
			ConversionMetricID: cfg.Klaviyo.ConversionMetricID,
			Logger:             logger,
		})
		opts = append(opts, pipeline.WithHistory(kc), pipeline.WithPublisher(kc))
		logger.Info("klaviyo integration enabled", "history", cfg.Klaviyo.ConversionMetricID != "")
	} else {
		logger.Warn("klaviyo api_key not configured - approved calendars will not be published")
	}
	if cfg.Asana.Enabled() {
		opts = append(opts, pipeline.WithNotifier(asana.New(asana.Config{
			BaseURL:   cfg.Asana.BaseURL,
			Token:     cfg.Asana.Token,
			ProjectID: cfg.Asana.ProjectID,
			Logger:    logger,
		})))
		logger.Info("asana review tasks enabled")
	}

	engine, err := pipeline.New(st, st, gen, opts...)
	if err != nil {
		return fail(fmt.Errorf("creating pipeline: %w", err))
	}
	closers = append(closers, engine.Close)

	images := imgproxy.New(imgproxy.Config{
		AllowedHosts: cfg.Images.AllowedHosts,
		MaxBytes:     cfg.Images.MaxBytes,
		CacheTTL:     cfg.Images.CacheTTL,
		CacheEntries: cfg.Images.CacheEntries,
		Logger:       logger,
	})
	closers = append(closers, images.Close)

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)); err != nil {
			return fail(fmt.Errorf("creating JWT verifier: %w", err))
		}
	}

	srv := newServer(Deps{
		Store:    st,
		Engine:   engine,
		Rules:    provider,
		Images:   images,
		Verifier: verifier,
		TokenTTL: cfg.Auth.TokenTTL,
		HTTPAddr: cfg.Server.HTTPAddr,
		GRPCAddr: cfg.Server.GRPCAddr,
		Logger:   logger,
	})
	srv.closers = closers
	return srv, nil
}

// newGenerator picks the calendar generator named in config.
func newGenerator(ctx context.Context, cfg config.PlanningConfig, logger *slog.Logger) (planner.Generator, error) {
	switch cfg.Generator {
	case "", "template":
		return planner.NewTemplateGenerator(), nil
	case "gemini":
		gen, err := planner.NewGeminiGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("creating gemini generator: %w", err)
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
	}
}

// newServer assembles a Server from ready-made components.
func newServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Rules == nil {
		d.Rules = rules.Static(rules.Defaults())
	}
	if d.TokenTTL <= 0 {
		d.TokenTTL = config.DefaultTokenTTL
	}
	if d.Tracer == nil {
		d.Tracer = tracing.Tracer()
	}

	s := &Server{
		store:    d.Store,
		engine:   d.Engine,
		rules:    d.Rules,
		images:   d.Images,
		verifier: d.Verifier,
		tokenTTL: d.TokenTTL,
		logger:   d.Logger.With("component", "server"),
		tracer:   d.Tracer,
		httpAddr: d.HTTPAddr,
		grpcAddr: d.GRPCAddr,
		health:   health.NewServer(),
	}

	s.httpServer = &http.Server{
		Addr:              d.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Handler returns the HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server (and the gRPC health server when configured) and blocks
// until ctx is canceled or a server fails. Shutdown is graceful in both cases.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	var grpcLn net.Listener
	if s.grpcAddr != "" {
		if grpcLn, err = net.Listen("tcp", s.grpcAddr); err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the servers on the given listeners. grpcLn may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down servers")
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown stops both servers with a fresh timeout since the run context is already done.
func (s *Server) shutdown() error {
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing stop")
		s.grpcServer.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Close releases every component built by New, including the store.
func (s *Server) Close() error {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// ready reports whether the server can take traffic.
func (s *Server) ready() error {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
	}
	return nil
}
