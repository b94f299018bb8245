// Hercules - game server connection core.
//
// Hercules runs a single-threaded socket reactor that accepts and polls
// client and inter-server connections, filters them through an access list
// and a connection-rate limiter, and exposes its state through an admin
// REST API, MQTT telemetry and an interactive console.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/hercules-project/hercules/internal/api"
	"github.com/hercules-project/hercules/internal/config"
	"github.com/hercules-project/hercules/internal/console"
	"github.com/hercules-project/hercules/internal/db"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/health"
	"github.com/hercules-project/hercules/internal/link"
	"github.com/hercules-project/hercules/internal/protocol"
	"github.com/hercules-project/hercules/internal/scheduler"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/telemetry"
	"github.com/hercules-project/hercules/internal/timer"
	"github.com/hercules-project/hercules/internal/util"
)

const Banner = `
  _   _                      _
 | | | | ___ _ __ ___ _   _| | ___  ___
 | |_| |/ _ \ '__/ __| | | | |/ _ \/ __|
 |  _  |  __/ | | (__| |_| | |  __/\__ \
 |_| |_|\___|_|  \___|\__,_|_|\___||___/
                                   v%s
 Game Server Connection Core
`

func main() {
	app := &cli.App{
		Name:    "hercules",
		Usage:   "game server connection core",
		Version: api.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   filepath.Join(config.DefaultConfigDir, config.DefaultConfigFile),
				Usage:   "configuration file (.json, .yaml or .yml)",
				EnvVars: []string{"HERCULES_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "poller",
				Usage: "override socket.poller (epoll or select)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "override server.port",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the server (default)",
				Action: serve,
			},
			{
				Name:   "check-config",
				Usage:  "validate the configuration file and exit",
				Action: checkConfig,
			},
			{
				Name:   "init",
				Usage:  "create or edit the configuration with an interactive wizard",
				Action: initConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("hercules stopped with an error")
	}
}

// loadConfig reads the configuration named by --config and applies the
// command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, c.String("poller"), c.Int("port"), c.String("log-level"))
	return cfg, nil
}

func applyOverrides(cfg *config.Config, poller string, port int, level string) {
	if poller != "" {
		cfg.Socket.Poller = poller
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if level != "" {
		cfg.Logging.Level = level
	}
}

func serve(c *cli.Context) error {
	fmt.Printf(Banner, api.Version)
	fmt.Println()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := util.InitLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", api.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Str("config", cfg.Path()).
		Msg("starting Hercules")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	opts, err := cfg.SocketOptions()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()
	timers := timer.NewManager()

	core, err := socket.New(opts, timers, socket.WithEmitter(bus))
	if err != nil {
		return fmt.Errorf("failed to start socket core: %w", err)
	}

	clients := protocol.NewDispatcher("client")
	core.SetDefaultParse(clients.Parse)

	bindIP, port := cfg.BindAddr()
	if _, err := listenWithRetry(ctx, func() (int, error) { return core.ListenBind(bindIP, port) }, listenRetries); err != nil {
		core.Final()
		return err
	}

	var keeper *link.Keeper
	if cfg.Server.Upstream.Address != "" {
		keeper, err = link.New(core, timers, cfg.Server.Upstream, protocol.NewDispatcher("link"), bus)
		if err != nil {
			core.Final()
			return fmt.Errorf("server.upstream: %w", err)
		}
		keeper.Start()
	}

	healthMgr := health.NewManager(cfg.Health, core, timers, bus)
	healthMgr.Start()

	var (
		wg    sync.WaitGroup
		audit *db.AuditLog
	)

	if cfg.Database.Enabled {
		audit, err = db.NewAuditLog(cfg.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open audit log, auditing disabled")
			audit = nil
		} else {
			audit.Subscribe(bus)
			sched := scheduler.New(cfg.Database, audit, core.Snapshot)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sched.Start(ctx)
			}()
		}
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, bus, core)
		apiServer.SetDependencies(healthMgr, audit, keeper)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	var con *console.Console
	if cfg.Server.Console {
		con = console.New(core, timers, bus, os.Stdin, os.Stdout)
		con.Link = keeper
		con.OnQuit = cancel
		con.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info().
		Str("bind", cfg.Server.BindIP).
		Int("port", int(port)).
		Str("poller", core.Poller().Name()).
		Int("capacity", core.Capacity()).
		Msg("server is ready")

	loopErr := runLoop(ctx, core, timers, healthMgr)
	if loopErr != nil {
		log.Error().Err(loopErr).Msg("reactor failed, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	bus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	if con != nil {
		con.Stop()
	}
	if keeper != nil {
		keeper.Stop()
	}
	healthMgr.Stop()
	core.Final()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	if audit != nil {
		if err := audit.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit log")
		}
	}

	log.Info().Msg("Hercules stopped")
	return loopErr
}

// runLoop drives the reactor: timers first, then one poll pass bounded by
// the time to the next timer.
func runLoop(ctx context.Context, core *socket.Core, timers *timer.Manager, healthMgr *health.Manager) error {
	for ctx.Err() == nil {
		start := time.Now()
		next := timers.Perform(timers.Gettick())
		if err := core.Perform(next); err != nil {
			return err
		}
		healthMgr.ObserveLoop(time.Since(start))
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	out := c.App.Writer
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		fmt.Fprintf(out, "warning: %s: %s\n", w.Field, w.Message)
	}
	for _, e := range validation.Errors {
		fmt.Fprintf(out, "error:   %s: %s\n", e.Field, e.Message)
	}
	if _, err := cfg.SocketOptions(); err != nil {
		fmt.Fprintf(out, "error:   %v\n", err)
		return cli.Exit("configuration is invalid", 1)
	}
	if !validation.IsValid() {
		return cli.Exit("configuration is invalid", 1)
	}

	fmt.Fprintf(out, "%s: OK (%d warnings)\n", cfg.Path(), len(validation.Warnings))
	return nil
}

func initConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return config.RunSetupWizard(cfg, os.Stdin, c.App.Writer)
}

const listenRetries = 3

// listenRetryDelay spaces bind attempts that got an unusable descriptor.
var listenRetryDelay = time.Second

// listenWithRetry opens the game port. A reserved or out-of-range
// descriptor is retried up to maxRetries times; any other error is final.
func listenWithRetry(ctx context.Context, bind func() (int, error), maxRetries int) (int, error) {
	for i := 0; ; i++ {
		fd, err := bind()
		if err == nil {
			return fd, nil
		}
		reserved := errors.Is(err, socket.ErrHandleReserved)
		if !reserved && !errors.Is(err, socket.ErrHandleRange) || i >= maxRetries {
			return -1, err
		}
		if reserved {
			holdDescriptorZero()
		}
		log.Warn().Err(err).Int("retry", i+1).Int("max", maxRetries).Msg("listen socket unusable, retrying")
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(listenRetryDelay):
		}
	}
}

// holdDescriptorZero parks /dev/null on descriptor 0 when stdin was closed,
// so the next socket gets a usable number.
func holdDescriptorZero() {
	fd, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err == nil && fd != 0 {
		_ = unix.Close(fd)
	}
}

// startWithRetry retries startFn on bind errors with a fixed 3-second
// interval, giving the OS time to release a port held by a killed process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
