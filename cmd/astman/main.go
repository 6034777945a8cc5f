// astman bridges an Asterisk Manager Interface connection to a console, a
// REST API, an SQLite event journal and an MQTT broker.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

var (
	configDir string
	logLevel  string
	debug     bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           util.AppName,
		Short:         "Asterisk Manager Interface bridge",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runDaemon,
	}

	root.PersistentFlags().StringVarP(&configDir, "config-dir", "c", config.DefaultConfigDir, "directory holding "+config.DefaultConfigFile)
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "dump manager traffic")

	root.AddCommand(
		newRunCommand(),
		newSendCommand(),
		newCommandCommand(),
		newSetupCommand(),
		newVersionCommand(),
	)
	return root
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if debug {
		m := cfg.GetManager()
		m.Debug = true
		cfg.SetManager(m)
	}
	return cfg, nil
}

// initConsoleLogger logs to stderr only, for one-shot commands.
func initConsoleLogger() {
	level := logLevel
	if level == "" {
		level = "warn"
		if debug {
			level = "debug"
		}
	}
	util.SetLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}
