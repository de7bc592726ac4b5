// Package daemon implements the daemon lifecycle manager.
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

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/loramesh/internal/backhaul"
	"firestige.xyz/loramesh/internal/backhaul/semtech"
	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/command"
	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/heartbeat"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/meshcmd"
	"firestige.xyz/loramesh/internal/metrics"
	"firestige.xyz/loramesh/internal/radio"
	"firestige.xyz/loramesh/internal/relay"
	"firestige.xyz/loramesh/internal/reporter"
)

// Daemon manages the loramesh process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex // guards config
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Mesh components
	meshRadio   radio.Radio
	deviceRadio radio.Radio // nil when devices share the mesh radio
	meshTx      *radio.Transmitter
	deviceTx    *radio.Transmitter
	backhaul    backhaul.Backhaul    // nil on relays
	dispatcher  *reporter.Dispatcher // nil if reporter disabled
	scheduler   *heartbeat.Scheduler
	engine      *relay.Engine

	// Control plane
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{} // closed when the component group exits
	groupErr     error
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopErr      error
	sigChan      chan os.Signal
}

// New loads the configuration and creates a Daemon. Empty socketPath and
// pidFile fall back to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		done:         make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() (err error) {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"version":  command.Version,
		"relay_id": d.config.Node.ID.String(),
		"role":     d.config.Node.NodeRole.String(),
		"config":   d.configPath,
		"socket":   d.socketPath,
	}).Info("starting loramesh daemon")

	// Undo partial startup.
	defer func() {
		if err != nil {
			d.cancel()
			if d.metricsServer != nil {
				_ = d.metricsServer.Stop(context.Background())
			}
			d.closeRadios()
			_ = RemovePIDFile(d.pidFile)
		}
	}()

	// 2. Write PID file
	if err := WritePIDFile(d.pidFile); err != nil {
		return err
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build the mesh node
	if err := d.buildNode(); err != nil {
		return err
	}

	// 5. Run the node components
	d.startNode()

	// 6. Command handler, wired to the engine
	d.cmdHandler = command.NewCommandHandler(d.engine, d)
	d.cmdHandler.SetShutdownFunc(func() {
		logger.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})
	d.cmdHandler.SetExtraStats(d.extraStats)

	// 7. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler,
		command.WithMaxConnections(d.config.Control.MaxConnections),
		command.WithMaxRequestSize(d.config.Control.MaxRequestSize),
		command.WithIdleTimeout(d.config.Control.IdleTimeoutDuration),
	)
	udsErr := make(chan error, 1)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			udsErr <- err
		}
	}()
	select {
	case <-d.udsServer.Ready():
	case err := <-udsErr:
		return fmt.Errorf("failed to start uds server: %w", err)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("uds server did not start on %s", d.socketPath)
	}

	logger.Info("daemon started successfully")
	return nil
}

// buildNode opens the radios and creates the engine with its collaborators.
func (d *Daemon) buildNode() error {
	cfg := d.config
	node := cfg.Node.ID.String()

	var err error
	if d.meshRadio, err = radio.Open(cfg.Radio, node); err != nil {
		return fmt.Errorf("failed to open mesh radio: %w", err)
	}
	if cfg.DeviceRadio.Driver != "" {
		if d.deviceRadio, err = radio.Open(cfg.DeviceRadio, node+"-device"); err != nil {
			return fmt.Errorf("failed to open device radio: %w", err)
		}
	}

	c := codec.New(d.meshRadio.MaxFrameSize(), cfg.Mesh.RootKeyBytes)
	d.meshTx = radio.NewTransmitter(d.meshRadio, cfg.Mesh.TxQueueDepth)

	opts := []relay.Option{}
	if d.deviceRadio != nil {
		d.deviceTx = radio.NewTransmitter(d.deviceRadio, cfg.Mesh.TxQueueDepth)
		opts = append(opts, relay.WithDeviceSender(d.deviceTx))
	}

	if cfg.Node.NodeRole == core.RoleBorder {
		switch cfg.Backhaul.Driver {
		case "semtech":
			sc, err := semtech.ConfigFrom(cfg.Backhaul.Semtech, cfg.Node.ID)
			if err != nil {
				return err
			}
			b, err := semtech.New(sc)
			if err != nil {
				return fmt.Errorf("failed to create semtech backhaul: %w", err)
			}
			d.backhaul = b
		default:
			d.backhaul = backhaul.Nop{}
		}
		opts = append(opts, relay.WithBackhaul(d.backhaul))
	} else if cfg.Backhaul.Driver != "none" {
		log.GetLogger().WithField("driver", cfg.Backhaul.Driver).Warn("backhaul is only used on a border node, ignoring")
	}

	rep, err := reporter.New(cfg.Reporter)
	if err != nil {
		return fmt.Errorf("failed to create reporter: %w", err)
	}
	if rep != nil {
		d.dispatcher = reporter.NewDispatcher(rep, 0)
		opts = append(opts, relay.WithEvents(d.dispatcher))
	}

	statsInterval := cfg.Mesh.Timing.StatsInterval
	if cfg.Node.NodeRole == core.RoleBorder {
		statsInterval = 0
	}
	d.scheduler = heartbeat.New(heartbeat.Config{
		Interval:      cfg.Mesh.Timing.HeartbeatInterval,
		Jitter:        cfg.Mesh.HeartbeatJitter,
		SweepInterval: cfg.Mesh.Timing.SweepInterval,
		StatsInterval: statsInterval,
	})
	opts = append(opts, relay.WithStatsTicks(d.scheduler.Stats()))

	if len(cfg.Mesh.CommandTable) > 0 {
		if cfg.Node.NodeRole == core.RoleBorder {
			log.GetLogger().Warn("mesh commands are only run by relays, ignoring")
		} else {
			opts = append(opts, relay.WithCommandRunner(meshcmd.New(meshcmd.Config{
				Commands:  cfg.Mesh.CommandTable,
				Timeout:   cfg.Mesh.Timing.CommandTimeout,
				MaxOutput: cfg.Mesh.CommandMaxOutput,
			})))
		}
	}
	d.engine = relay.New(relay.ConfigFrom(cfg), c, d.meshTx, opts...)
	return nil
}

// startNode runs every node component in one errgroup. The first failure
// cancels the others and ends Run.
func (d *Daemon) startNode() {
	g, ctx := errgroup.WithContext(d.ctx)

	g.Go(func() error { return d.meshTx.Run(ctx) })
	g.Go(func() error { return radio.NewReceiver("mesh", d.meshRadio, d.engine.Inbound()).Run(ctx) })
	if d.deviceRadio != nil {
		g.Go(func() error { return d.deviceTx.Run(ctx) })
		g.Go(func() error { return radio.NewReceiver("device", d.deviceRadio, d.engine.Inbound()).Run(ctx) })
	}
	if d.backhaul != nil {
		g.Go(func() error { return d.backhaul.Run(ctx) })
	}
	if d.dispatcher != nil {
		g.Go(func() error { return d.dispatcher.Run(ctx) })
	}
	g.Go(func() error { return d.scheduler.Run(ctx) })
	g.Go(func() error { return d.engine.Run(ctx, d.scheduler.Heartbeats(), d.scheduler.Sweeps()) })

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		d.groupErr = err
		close(d.done)
	}()
}

// extraStats reports the counters owned by the daemon rather than the engine.
func (d *Daemon) extraStats() map[string]interface{} {
	stats := map[string]interface{}{
		"mesh_radio": d.meshTx.Stats(),
	}
	if d.deviceTx != nil {
		stats["device_radio"] = d.deviceTx.Stats()
	}
	if d.dispatcher != nil {
		stats["reporter_dropped"] = d.dispatcher.Dropped()
	}
	return stats
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop()
	})
	return d.stopErr
}

func (d *Daemon) stop() error {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	var err error

	// 1. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		logger.Info("stopping uds server")
		err = multierr.Append(err, d.udsServer.Stop())
	}

	// 2. Cancel context and wait for the node components
	d.cancel()
	if d.engine != nil {
		select {
		case <-d.done:
		case <-time.After(10 * time.Second):
			err = multierr.Append(err, errors.New("node components did not stop in time"))
		}
	}

	// 3. Release the radios
	err = multierr.Append(err, d.closeRadios())

	// 4. Stop metrics server
	if d.metricsServer != nil {
		logger.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, d.metricsServer.Stop(shutdownCtx))
		cancel()
	}

	// 5. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	err = multierr.Append(err, RemovePIDFile(d.pidFile))

	if err != nil {
		logger.WithError(err).Error("errors during shutdown")
	} else {
		logger.Info("daemon stopped gracefully")
	}

	// 7. Flush logs
	_ = log.Flush()
	return err
}

func (d *Daemon) closeRadios() error {
	var err error
	if d.meshRadio != nil {
		err = multierr.Append(err, d.meshRadio.Close())
	}
	if d.deviceRadio != nil {
		err = multierr.Append(err, d.deviceRadio.Close())
	}
	return err
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. a failing node component
//
// SIGHUP triggers config reload.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger := log.GetLogger()
	logger.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("received shutdown signal")
				return d.Stop()

			case syscall.SIGHUP:
				logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			logger.Info("shutdown triggered by command")
			return d.Stop()

		case <-d.done:
			if d.groupErr != nil {
				logger.WithError(d.groupErr).Error("node component failed")
				return multierr.Append(d.groupErr, d.Stop())
			}
			return d.Stop()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level, format and outputs.
// Cold (requires restart): node identity, radios, mesh, backhaul, reporter,
// control and metrics settings.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	log.GetLogger().WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	old := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}
	if err := log.Init(newConfig.Log); err != nil {
		log.GetLogger().WithError(err).Error("failed to reinitialize logging")
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	for _, c := range []struct {
		name    string
		changed bool
	}{
		{"node", newConfig.Node.ID != old.Node.ID || newConfig.Node.NodeRole != old.Node.NodeRole},
		{"radio", newConfig.Radio.Driver != old.Radio.Driver || newConfig.Radio.MaxFrameSize != old.Radio.MaxFrameSize},
		{"device_radio", newConfig.DeviceRadio.Driver != old.DeviceRadio.Driver},
		{"mesh.max_hop_count", newConfig.Mesh.MaxHopCount != old.Mesh.MaxHopCount},
		{"mesh.heartbeat_interval", newConfig.Mesh.Timing.HeartbeatInterval != old.Mesh.Timing.HeartbeatInterval},
		{"mesh.disconnected_policy", newConfig.Mesh.DisconnectedPolicy != old.Mesh.DisconnectedPolicy},
		{"mesh.root_key", newConfig.Mesh.RootKey != old.Mesh.RootKey},
		{"backhaul", newConfig.Backhaul != old.Backhaul},
		{"reporter.driver", newConfig.Reporter.Driver != old.Reporter.Driver},
		{"control", newConfig.Control != old.Control},
		{"metrics", newConfig.Metrics != old.Metrics},
	} {
		if c.changed {
			requiresRestart = append(requiresRestart, c.name)
		}
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// Config returns the current configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := log.Init(d.config.Log); err != nil {
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"level":  d.config.Log.Level,
		"format": d.config.Log.Format,
	}).Debug("logging initialized")
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics, metrics.WithHealthCheck(d.healthy))
	return d.metricsServer.Start(d.ctx)
}

// healthy fails once the node components have exited.
func (d *Daemon) healthy() error {
	select {
	case <-d.done:
		if d.groupErr != nil {
			return fmt.Errorf("node stopped: %w", d.groupErr)
		}
		return errors.New("node stopped")
	default:
		return nil
	}
}
