package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/amcpd/internal/config"
	"github.com/harun/amcpd/internal/logger"
	"github.com/harun/amcpd/internal/observability"
	"github.com/harun/amcpd/internal/tracing"
	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/channels"
	"github.com/harun/amcpd/pkg/commandqueue"
	"github.com/harun/amcpd/pkg/commands"
	"github.com/harun/amcpd/pkg/cron"
	"github.com/harun/amcpd/pkg/datastore"
	"github.com/harun/amcpd/pkg/dispatcher"
	"github.com/harun/amcpd/pkg/gateway"
	"github.com/harun/amcpd/pkg/media"
	"github.com/rs/zerolog"
)

// stopTimeout bounds how long Stop waits for the gateway and goroutines.
const stopTimeout = 5 * time.Second

// Daemon represents the amcpd server process
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	version string

	// Core modules
	channelRegistry *channels.Registry
	mediaCatalog    *media.Catalog
	dataStore       *datastore.Store
	cronService     *cron.Service
	queues          *commandqueue.Table
	commandRegistry *amcp.Registry
	dispatcher      *dispatcher.Dispatcher

	// Services
	gatewayServer *gateway.Server
	configWatcher *config.Watcher

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownCh chan struct{}
	shutdown   sync.Once

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon's run state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Clients   int
	Channels  int
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, version string) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		logger:     log,
		version:    version,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, version, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized successfully")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases whatever a failed New managed to open.
func (d *Daemon) abort() {
	d.cancel()
	if d.cronService != nil {
		_ = d.cronService.Stop()
	}
	if d.queues != nil {
		d.queues.Stop(false)
	}
	if d.mediaCatalog != nil {
		_ = d.mediaCatalog.Close()
	}
	if d.dataStore != nil {
		_ = d.dataStore.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) baseLogger() *zerolog.Logger {
	l := d.logger.GetZerolog()
	return &l
}

// initializeCoreModules builds the playout state and the command pipeline.
func (d *Daemon) initializeCoreModules() error {
	zl := d.baseLogger()

	registry, err := channels.NewRegistry(d.config.VideoModes())
	if err != nil {
		return fmt.Errorf("failed to create channels: %w", err)
	}
	d.channelRegistry = registry
	d.logger.Info().Int("channels", registry.Len()).Strs("video_modes", d.config.VideoModes()).Msg("Channels initialized")

	catalog, err := media.NewCatalog(media.Config{
		Root:     d.config.Media.Root,
		Debounce: d.config.MediaDebounce(),
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create media catalog: %w", err)
	}
	d.mediaCatalog = catalog
	d.logger.Info().Str("root", catalog.Root()).Int("items", catalog.Len()).Msg("Media catalog initialized")

	store, err := datastore.Open(datastore.Config{Path: d.config.Data.Path, Logger: zl})
	if err != nil {
		return fmt.Errorf("failed to open data store: %w", err)
	}
	d.dataStore = store
	d.logger.Info().Str("path", d.config.Data.Path).Msg("Data store initialized")

	d.queues = commandqueue.NewTable(registry.Len(), commandqueue.Options{
		Capacity:       d.config.Queue.Capacity,
		CommandTimeout: d.config.CommandTimeout(),
		WarnAfter:      d.config.WarnAfter(),
		Logger:         zl,
	})
	d.logger.Info().Int("queues", d.queues.Len()).Int("capacity", d.config.Queue.Capacity).Msg("Command queues initialized")

	if d.config.Schedule.Enabled {
		var loc *time.Location
		if tz := d.config.Schedule.Timezone; tz != "" {
			loc, err = time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("failed to load schedule timezone: %w", err)
			}
		}
		svc, err := cron.NewService(cron.ServiceOptions{
			StorePath: d.config.Schedule.StorePath,
			Fire:      d.fire,
			Location:  loc,
			Logger:    zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create cron service: %w", err)
		}
		d.cronService = svc
	}

	cmdRegistry, err := commands.NewRegistry(commands.Options{
		Channels:   registry,
		Media:      catalog,
		Data:       store,
		Schedule:   d.cronService,
		QueueStats: d.queues.Stats,
		Version:    d.version,
		Shutdown:   d.RequestShutdown,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create command registry: %w", err)
	}
	d.commandRegistry = cmdRegistry
	d.logger.Info().Int("verbs", cmdRegistry.Len()).Msg("Command registry initialized")

	return nil
}

// initializeServices builds the gateway and connects it to the dispatcher.
func (d *Daemon) initializeServices() error {
	zl := d.baseLogger()

	server, err := gateway.NewServer(gateway.Config{
		TCPAddr:         d.config.Server.TCPAddr,
		HTTPAddr:        d.config.Server.HTTPAddr,
		EnableWebSocket: d.config.Server.WebSocket,
		RateLimit:       d.config.Server.RateLimit,
		RateBurst:       d.config.Server.RateBurst,
		WriteTimeout:    d.config.WriteTimeout(),
		Logger:          zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	disp, err := dispatcher.New(dispatcher.Options{
		Registry:        d.commandRegistry,
		Resolver:        d.channelRegistry,
		Router:          d.queues,
		Sink:            server,
		MaxMessageBytes: d.config.Server.MaxMessageBytes,
		Logger:          zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.dispatcher = disp
	server.SetHandler(disp)

	return nil
}

// fire delivers a scheduled line through the dispatcher as if its session
// had sent it. Replies go to that session; if it has disconnected the
// command still runs and the undeliverable reply is logged.
func (d *Daemon) fire(ctx context.Context, sessionID, line string) error {
	connected := d.gatewayServer.HasClient(sessionID)
	if !connected {
		d.logger.Warn().
			Str("session_id", sessionID).
			Str("line", line).
			Msg("Scheduled command owner is gone, running without a reply target")
	}

	d.dispatcher.HandleLine(tracing.NewLineContext(ctx, sessionID), sessionID, line)

	if !connected {
		d.dispatcher.Close(sessionID)
	}
	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("version", d.version).Msg("Starting amcpd")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.GetConfig().Media.Watch {
		if err := d.mediaCatalog.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch media folder, CLS results refresh only on restart")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully. Scheduled commands stop first,
// then queued commands are drained or discarded, then clients are closed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.configWatcher
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping amcpd")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.cronService != nil {
		if err := d.cronService.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop cron service")
		}
		logger.Info().Msg("Cron service stopped")
	}

	drain := d.GetConfig().Queue.DrainOnShutdown
	d.queues.Stop(drain)
	logger.Info().Bool("drained", drain).Msg("Command queues stopped")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	if err := d.gatewayServer.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	cancel()

	if err := d.mediaCatalog.Close(); err != nil && !errors.Is(err, media.ErrNotWatched) {
		logger.Error().Err(err).Msg("Failed to stop media watcher")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(stopTimeout):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.dataStore.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close data store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// RequestShutdown asks Wait to stop the daemon. It returns immediately so
// it is safe to call from a command running on a queue.
func (d *Daemon) RequestShutdown() {
	d.shutdown.Do(func() {
		d.logger.Info().Msg("Shutdown requested")
		close(d.shutdownCh)
	})
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Channels: d.channelRegistry.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Clients = d.gatewayServer.ClientCount()
	}

	return status
}

// Wait blocks until SIGINT, SIGTERM or a shutdown request, then stops the
// daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.shutdownCh:
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdownCh
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetQueues returns the command queue table
func (d *Daemon) GetQueues() *commandqueue.Table {
	return d.queues
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.channelRegistry
}

// GetCronService returns the cron service, nil when scheduling is disabled
func (d *Daemon) GetCronService() *cron.Service {
	return d.cronService
}

// GetDispatcher returns the protocol dispatcher
func (d *Daemon) GetDispatcher() *dispatcher.Dispatcher {
	return d.dispatcher
}
