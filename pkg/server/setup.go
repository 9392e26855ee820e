package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nicktill/tagstream/pkg/command"
	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/dedup"
	"github.com/nicktill/tagstream/pkg/ingest"
	"github.com/nicktill/tagstream/pkg/keylock"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/notify"
	"github.com/nicktill/tagstream/pkg/query"
	"github.com/nicktill/tagstream/pkg/registry"
	"github.com/nicktill/tagstream/pkg/scheduler"
	"github.com/nicktill/tagstream/pkg/server/monitor"
	"github.com/nicktill/tagstream/pkg/storage"
	"github.com/nicktill/tagstream/pkg/storage/badger"
	"github.com/nicktill/tagstream/pkg/storage/memory"
	"github.com/nicktill/tagstream/pkg/storage/postgres"
	"github.com/nicktill/tagstream/pkg/transport/mqtt"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	hubStopTimeout     = 5 * time.Second
)

// OpenStorage opens the configured storage backend.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	logger = logging.OrDiscard(logger)

	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory storage, data is lost on restart")
		return memory.New(), nil
	case "badger":
		if err := os.MkdirAll(cfg.Badger.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.Badger.Path,
			MaxMemoryMB: cfg.Badger.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("badger storage opened", "path", cfg.Badger.Path, "max_memory_mb", cfg.Badger.MaxMemoryMB)
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			ApplySchema:  cfg.Postgres.ApplySchema,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("postgres storage opened", "schema_applied", cfg.Postgres.ApplySchema)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Server owns every long-running component and their start/stop order.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store     storage.Storage
	registry  *registry.Registry
	cache     *dedup.RistrettoCache
	notifier  *notify.Notifier
	hub       *ingest.Hub
	pipeline  *ingest.Pipeline
	query     *query.Service
	scheduler *scheduler.Scheduler

	jobs           *monitor.JobMonitor
	metrics        *monitor.Metrics
	promRegistry   *prometheus.Registry
	storageMonitor *monitor.StorageMonitor

	// Set by Start when MQTT is enabled
	transport  *mqtt.Client
	dispatcher *command.Dispatcher

	httpServer *http.Server
	hubCancel  context.CancelFunc
	stopOnce   sync.Once
}

// New wires the ingestion, rollup and query components around store. The
// server takes ownership of store and closes it on Shutdown.
func New(cfg *config.Config, store storage.Storage, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.OrDiscard(logger),
		store:        store,
		jobs:         monitor.NewJobMonitor(),
		promRegistry: prometheus.NewRegistry(),
	}

	s.metrics = monitor.NewMetrics(s.promRegistry)
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Storage.Backend == "badger" {
		s.storageMonitor = monitor.NewStorageMonitor(cfg.Storage.Badger.Path, cfg.Storage.Badger.MaxStorageBytes())
	}

	cache, err := dedup.NewRistrettoCache(cfg.Ingest.DedupCacheKeys)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	s.cache = cache

	// One striped locker for device, sensor and value keys
	locks := keylock.New(0)
	s.registry = registry.New(store, s.logger.With("component", "registry"), registry.WithLocker(locks))
	writer := dedup.NewWriter(store, cache, locks)

	s.notifier = notify.New(s.logger.With("component", "notify"), s.metrics.ObserverError)
	s.hub = ingest.NewHub(s.logger.With("component", "hub"))
	s.notifier.Subscribe(s.hub)

	opts := []ingest.Option{
		ingest.WithLogger(s.logger.With("component", "ingest")),
		ingest.WithMetrics(s.metrics),
	}
	if s.storageMonitor != nil {
		opts = append(opts, ingest.WithStorageGuard(s.storageMonitor))
	}
	s.pipeline = ingest.NewPipeline(s.registry, writer, s.notifier, opts...)
	s.query = query.NewService(store, s.registry)

	s.scheduler = scheduler.New(s.logger.With("component", "scheduler"))
	if err := s.registerTasks(); err != nil {
		cache.Close()
		return nil, err
	}

	s.registerGauges()
	return s, nil
}

// Notifier exposes the fan-out so callers can attach further observers.
func (s *Server) Notifier() *notify.Notifier {
	return s.notifier
}

// Pipeline returns the ingestion pipeline shared by MQTT and HTTP.
func (s *Server) Pipeline() *ingest.Pipeline {
	return s.pipeline
}

// Start runs the hub and the scheduler, connects to the broker when MQTT is
// enabled and starts serving HTTP on ln. It returns once everything is
// running; HTTP serve errors are logged.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	s.scheduler.Start(ctx)
	s.logger.Info("scheduler started", "tasks", s.scheduler.Tasks())

	if s.cfg.MQTT.Enabled {
		if err := s.connectTransport(ctx); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) connectTransport(ctx context.Context) error {
	m := s.cfg.MQTT
	client, err := mqtt.Dial(ctx, mqtt.Config{
		Broker:    m.Broker,
		ClientID:  m.ClientID,
		Topic:     m.Topic,
		QoS:       m.QoS,
		KeepAlive: m.KeepAlive,
		Workers:   m.Workers,
		QueueSize: m.QueueSize,
	}, s.pipeline,
		mqtt.WithLogger(s.logger.With("component", "mqtt")),
		mqtt.WithDropCounter(s.metrics))
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	s.transport = client
	s.dispatcher = command.New(client, s.registry,
		command.WithTopicFormat(m.CommandTopic),
		command.WithLogger(s.logger.With("component", "command")),
		command.WithResultHook(s.metrics.CommandSent))
	return nil
}

// Shutdown stops the transport, the scheduler (waiting for in-flight ticks),
// the websocket hub and the HTTP server, then closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		if s.transport != nil {
			s.logger.Info("closing broker connection")
			if err := s.transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}

		s.logger.Info("stopping scheduler")
		s.scheduler.Stop()

		if s.hubCancel != nil {
			s.hubCancel()
			select {
			case <-s.hub.Done():
			case <-time.After(hubStopTimeout):
				s.logger.Warn("websocket hub did not stop in time")
			}
		}

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown http: %w", err))
			}
		}

		s.cache.Close()
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		s.logger.Info("server stopped")
	})
	return errors.Join(errs...)
}

// registerGauges exposes point-in-time values that live outside Metrics.
func (s *Server) registerGauges() {
	s.promRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tagstream_websocket_clients",
		Help: "Connected websocket clients.",
	}, func() float64 { return float64(s.hub.Clients()) }))

	s.promRegistry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "tagstream_websocket_dropped_total",
		Help: "Batches the websocket hub dropped because its buffer was full.",
	}, func() float64 { return float64(s.hub.Dropped()) }))

	s.promRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tagstream_jobs_healthy",
		Help: "1 when every scheduled job is healthy.",
	}, func() float64 {
		if s.jobs.IsHealthy() {
			return 1
		}
		return 0
	}))

	if s.storageMonitor != nil {
		s.promRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tagstream_storage_used_bytes",
			Help: "Disk usage of the badger data directory.",
		}, func() float64 {
			used, err := s.storageMonitor.GetUsage()
			if err != nil {
				return 0
			}
			return float64(used)
		}))
	}
}
