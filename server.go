package backfila

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// ServerOptions assembles a Server.
type ServerOptions struct {
	Config *Config
	Logger *slog.Logger
	// Registry serves the EMBEDDED connector and is exposed as a client service. Optional.
	Registry *Registry
	// Store overrides the store selected by Config.
	Store Store
	// Listeners receive run lifecycle notifications in addition to the log and event log ones.
	Listeners []RunListener
}

// Server wires the store, API, scheduler and HTTP endpoints of one backfila instance.
type Server struct {
	config    *Config
	logger    *slog.Logger
	store     Store
	api       *ServiceAPI
	scheduler *RunnerScheduler
	registry  *prometheus.Registry

	httpServer    *http.Server
	metricsServer *http.Server
	addr          net.Addr
}

// NewServer builds a server from opts. Nothing is started until Start.
func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = NewStore(cfg.StoreBackend, cfg.DataDir, StoreOptions{Logger: logger, Tracing: cfg.Tracing})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	promRegistry := prometheus.NewRegistry()
	connectors := &ConnectorProvider{Registry: opts.Registry, Timeout: cfg.RPCTimeout}
	if cfg.Tracing {
		connectors.Tracer = otel.Tracer(tracerName)
	}
	listeners := NewListeners(logger, NewLogListener(logger), NewEventLogListener(store))
	for _, l := range opts.Listeners {
		listeners.Add(l)
	}

	env := &RunnerEnv{
		Store:            store,
		Connectors:       connectors,
		Listeners:        listeners,
		Metrics:          NewMetrics(promRegistry),
		Logger:           logger,
		LeaseDuration:    cfg.LeaseDuration,
		ThreadMultiplier: cfg.ThreadMultiplier,
	}
	toggler := NewStateToggler(store, listeners, logger)
	creator := NewBackfillCreator(store, connectors, logger)

	s := &Server{
		config:    cfg,
		logger:    logger.With("component", "server"),
		store:     store,
		api:       NewServiceAPI(store, creator, toggler, connectors, logger),
		scheduler: NewRunnerScheduler(NewLeaseHunter(env), cfg.SchedulerConfig()),
		registry:  promRegistry,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(opts.Registry),
		ReadHeaderTimeout: 60 * time.Second,
	}
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 60 * time.Second,
		}
	}
	return s, nil
}

// API returns the service API of the server.
func (s *Server) API() *ServiceAPI {
	return s.api
}

// Store returns the store of the server.
func (s *Server) Store() Store {
	return s.store
}

// Gatherer exposes the metrics of the server.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Addr returns the address the service API listens on once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Handler routes the service API, the health check and, when registry is set, the client
// service backed by it.
func (s *Server) Handler(registry *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(NewServiceHandler(s.api))
	services := []string{ServiceAPIName}
	if registry != nil {
		mux.Handle(NewClientServiceHandler(registry.Dispatcher()))
		services = append(services, ClientServiceName)
	}
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker(services...)))
	return mux
}

// Start starts the scheduler and the HTTP listeners. It returns once they are listening.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr = listener.Addr()
	go s.serve(s.httpServer, listener)

	if s.metricsServer != nil {
		metricsListener, err := net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("listen on %s: %w", s.metricsServer.Addr, err)
		}
		go s.serve(s.metricsServer, metricsListener)
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("server started", "addr", listener.Addr().String(), "metricsAddr", s.config.MetricsAddr)
	return nil
}

func (s *Server) serve(server *http.Server, listener net.Listener) {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("http server failed", "addr", server.Addr, "error", err)
	}
}

// Stop drains the runners, shuts the HTTP listeners down and closes the store.
func (s *Server) Stop(ctx context.Context) error {
	s.scheduler.Stop()
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
