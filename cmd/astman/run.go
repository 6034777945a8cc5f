package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/linuxdeveloper/ast-api/internal/api"
	"github.com/linuxdeveloper/ast-api/internal/cli"
	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/connector"
	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/journal"
	"github.com/linuxdeveloper/ast-api/internal/scheduler"
	"github.com/linuxdeveloper/ast-api/internal/telemetry"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

var noConsole bool

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the manager and serve the console, API and journal",
		RunE:  runDaemon,
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not start the interactive console")
	return cmd
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lc := cfg.GetLogging()
	logCfg := util.LogConfig{
		Level:      lc.Level,
		Directory:  lc.Directory,
		MaxBackups: lc.MaxBackups,
		Console:    lc.Console,
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logFile, err := util.InitLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting " + util.AppName)

	if err := ensureValid(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()

	var (
		store   *journal.Journal
		apiJrnl api.Journal
		cliJrnl cli.Journal
		schJrnl scheduler.Journal
	)
	if jc := cfg.GetJournal(); jc.Enabled {
		store, err = journal.Open(jc.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		store.Attach(bus)
		apiJrnl, cliJrnl, schJrnl = store, store, store
	}

	conn := connector.NewManagerConnector(cfg, bus)

	watcher := config.NewWatcher(cfg, func(c *config.Config) {
		util.SetLevel(c.GetLogging().Level)
		conn.ApplyConfig()
		bus.Emit(ctx, events.Event{
			Type:    events.EventConfigChanged,
			Source:  "config",
			Payload: events.ConfigChangedPayload{Section: "*", Key: c.Path()},
		})
	})
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("config hot reload unavailable")
	} else {
		defer watcher.Stop()
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	shutdownCh := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	start := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting " + name)
			fn()
		}()
	}

	if err := conn.Connect(ctx); err != nil {
		// Not fatal: the console and API can reconnect later.
		log.Error().Err(err).Msg("initial manager connection failed")
	}
	start("manager event pump", func() { conn.Run(ctx) })

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, bus, conn, apiJrnl)
		start("REST API server", func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("API server failed")
			}
		})
	}

	if mqttHandler != nil {
		start("MQTT telemetry", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}

	sched := scheduler.NewScheduler(cfg, schJrnl)
	start("task scheduler", func() { sched.Start(ctx) })

	if !noConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		console := cli.NewCLI(conn, cliJrnl, bus, os.Stdout)
		// The console blocks in ReadLine and is not waited for.
		go console.Start(ctx, cli.NewLineEditor())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")

	logoffCtx, logoffCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := conn.Disconnect(logoffCtx); err != nil {
		log.Warn().Err(err).Msg("manager logoff failed")
	}
	logoffCancel()

	cancel()

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
	log.Info().Msg(util.AppName + " stopped")
	return nil
}

// ensureValid logs validation findings. An invalid first-run config on a
// terminal launches the setup wizard instead of failing.
func ensureValid(cfg *config.Config) error {
	result := config.Validate(cfg)
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if result.IsValid() {
		return nil
	}
	for _, e := range result.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}

	if cfg.IsFirstRun() && term.IsTerminal(int(os.Stdin.Fd())) {
		log.Info().Msg("first run detected, launching setup wizard")
		return config.NewWizard().RunSetupWizard(cfg)
	}
	return fmt.Errorf("configuration validation failed, fix %s", cfg.Path())
}
