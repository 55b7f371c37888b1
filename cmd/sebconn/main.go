package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/db"
	"github.com/examlink/sebconn/localdb"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/errors"
	"github.com/examlink/sebconn/pkg/health"
	"github.com/examlink/sebconn/pkg/metrics"
	"github.com/examlink/sebconn/pkg/resilient"
	"github.com/examlink/sebconn/server/adminapi"
	"github.com/examlink/sebconn/server/connectioncache"
	"github.com/examlink/sebconn/server/events"
	"github.com/examlink/sebconn/server/exam"
	"github.com/examlink/sebconn/server/ping"
	"github.com/examlink/sebconn/server/session"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serviceDependencies holds every long-lived component built at startup.
type serviceDependencies struct {
	store      *resilient.Store
	exams      *exam.Service
	pings      ping.Monitor
	sweeper    *ping.Sweeper
	events     events.Strategy
	dispatcher *events.Dispatcher
	cache      *connectioncache.Cache
	sessions   *session.Service
	health     *health.HealthMonitor
	collector  *metrics.Collector
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sebconn version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) && !isFlagSet("config") {
			fmt.Fprintf(os.Stderr, "SEBCONN: default configuration file '%s' not found, using defaults\n", *configPath)
		} else {
			errorHandler.ConfigError(*configPath, err)
			os.Exit(exitCode(errorHandler))
		}
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(exitCode(errorHandler))
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SEBCONN: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SEBCONN: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("sebconn starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(exitCode(errorHandler))
	}
	defer deps.close()

	var wg sync.WaitGroup
	errChan := make(chan error, 4)
	startBackground(ctx, &wg, cfg, deps, errChan)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		cancel()
		errorHandler.FatalError("server operation", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All background services stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout reached after 10 seconds")
	}

	if code, ok := errorHandler.ExitCode(); ok {
		deps.close()
		os.Exit(code)
	}
}

func exitCode(eh *errors.ErrorHandler) int {
	if code, ok := eh.WaitForExitWithTimeout(time.Second); ok {
		return code
	}
	return 1
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// openBackend opens the configured store driver.
func openBackend(ctx context.Context, cfg config.Config) (resilient.Backend, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		store, err := localdb.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		database.StartPoolMetrics(ctx)
		return database, nil
	}
}

func initializeServices(ctx context.Context, cfg config.Config) (*serviceDependencies, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps := &serviceDependencies{store: resilient.NewStore(backend, &cfg.Database)}

	examTTL, err := cfg.Cache.GetExamCacheTTL()
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("invalid cache.exam_cache_ttl: %w", err)
	}
	deps.exams = exam.NewService(deps.store, examTTL)

	deps.pings, err = ping.NewMonitor(ctx, &cfg.Ping)
	if err != nil {
		deps.close()
		return nil, err
	}
	pingTimeout, err := cfg.Ping.GetTimeout()
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("invalid ping.timeout: %w", err)
	}
	sweepInterval, err := cfg.Ping.GetSweepInterval()
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("invalid ping.sweep_interval: %w", err)
	}
	deps.sweeper = ping.NewSweeper(deps.pings, sweepInterval, pingTimeout)

	deps.events, err = events.NewStrategy(&cfg.Events, deps.store)
	if err != nil {
		deps.close()
		return nil, err
	}
	deps.dispatcher = events.NewDispatcher(cfg.Events.IndicatorWorkers, cfg.Events.QueueSize)

	loadTimeout, err := cfg.Cache.GetLoadTimeout()
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("invalid cache.load_timeout: %w", err)
	}
	deps.cache = connectioncache.New(deps.store, deps.exams, deps.pings, cfg.Cache.MaxSize, loadTimeout)

	lockTimeout, err := cfg.Session.GetLockTimeout()
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("invalid session.lock_timeout: %w", err)
	}
	deps.sessions = session.NewService(session.Deps{
		Store:      deps.store,
		Exams:      deps.exams,
		Identity:   deps.exams,
		Cache:      deps.cache,
		Pings:      deps.pings,
		Events:     deps.events,
		Indicators: deps.dispatcher,
	}, session.Options{
		AllowUnauthenticatedEstablish: cfg.Session.GetAllowUnauthenticatedEstablish(),
		LockTimeout:                   lockTimeout,
	})

	deps.health = health.NewHealthMonitor()
	deps.health.RegisterCheck(health.NewPingCheck("database", deps.store, true))
	deps.health.RegisterCheck(health.NewPingCheck("ping_monitor", deps.pings, cfg.Ping.Strategy == ping.StrategyRedis))
	deps.health.RegisterCheck(health.NewCircuitBreakerCheck("database_read_breaker", deps.store.ReadBreaker()))
	deps.health.RegisterCheck(health.NewCircuitBreakerCheck("database_write_breaker", deps.store.WriteBreaker()))

	// Other nodes may have written while the store was unreachable from here.
	deps.health.OnRecovery("database", deps.cache.Clear)

	statuses := make([]string, 0, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		statuses = append(statuses, string(s))
	}
	deps.collector = metrics.NewCollector(deps.store, deps.cache, statuses, 30*time.Second)

	logger.Info("Services initialized", "driver", cfg.Database.Driver, "ping_strategy", cfg.Ping.Strategy,
		"event_strategy", cfg.Events.Strategy, "allow_unauthenticated_establish", cfg.Session.GetAllowUnauthenticatedEstablish())
	return deps, nil
}

func startBackground(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, deps *serviceDependencies, errChan chan error) {
	deps.health.Start(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		deps.sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		deps.collector.Start(ctx)
	}()

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	if cfg.AdminAPI.Start {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adminapi.Start(ctx, adminapi.ServerOptions{
				Addr:         cfg.AdminAPI.Addr,
				APIKey:       cfg.AdminAPI.APIKey,
				AllowedHosts: cfg.AdminAPI.AllowedHosts,
				Connections:  deps.cache,
				Closer:       deps.sessions,
				Store:        deps.store,
				Health:       deps.health,
				TLS:          cfg.AdminAPI.TLS,
				TLSCertFile:  cfg.AdminAPI.TLSCertFile,
				TLSKeyFile:   cfg.AdminAPI.TLSKeyFile,
			}, errChan)
		}()
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

var closeOnce sync.Once

// close releases components in reverse dependency order. Pending events are
// flushed before the store goes away.
func (d *serviceDependencies) close() {
	closeOnce.Do(func() {
		if d.health != nil {
			d.health.Stop()
		}
		if d.collector != nil {
			d.collector.Stop()
		}
		if d.events != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := d.events.Close(ctx); err != nil {
				logger.Warn("Failed to flush pending events", "error", err)
			}
			cancel()
		}
		if d.dispatcher != nil {
			if err := d.dispatcher.Close(); err != nil {
				logger.Warn("Indicator dispatcher stopped with error", "error", err)
			}
		}
		if d.pings != nil {
			if err := d.pings.Close(); err != nil {
				logger.Warn("Failed to close ping monitor", "error", err)
			}
		}
		if d.store != nil {
			d.store.Close()
		}
		logger.Info("Resources released")
	})
}
