package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fleetwatch/internal/config"
	"fleetwatch/internal/logging"
)

type globalFlags struct {
	configFile string
	listen     string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "fleetwatch",
		Short: "Monitor a Marzban node fleet",
		Long: `fleetwatch polls a Marzban control plane, probes every node for its live
clients, publishes the merged state over HTTP and sends Telegram alerts
when nodes go down, recover, join or leave the fleet.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "YAML config file (default $FLEETWATCH_CONFIG)")
	pf.StringVar(&flags.listen, "listen", "", "HTTP listen address, overrides APP_PORT")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(newServeCmd(flags), newCheckCmd(flags), newVersionCmd())
	return root
}

// loadConfig reads the file and environment, then applies any flags the user
// set explicitly.
func loadConfig(fs *pflag.FlagSet, flags *globalFlags) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if flags.configFile != "" {
		cfg, err = config.LoadFile(flags.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.HTTPListenAddr = strings.TrimSpace(flags.listen)
		case "log-level":
			cfg.LogLevel = flags.logLevel
		case "log-format":
			cfg.LogFormat = flags.logFormat
		}
	})
	return cfg, nil
}

func newLogger(cfg config.Config) logging.Logger {
	return logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
}
