package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nixpig/jobbridge/internal/log"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	flags := defaultConfig()

	var configPath string

	c := &cobra.Command{
		Use:   "bridgeserver",
		Short: "Runs a worker for each submitted job and streams its events over gRPC and SSE",
		Example: "  bridgeserver --worker ./worker --worker-arg --fast\n" +
			"  bridgeserver --config bridge.yaml --store redis --debug",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, &flags, cmd.Flags())
			if err != nil {
				return err
			}

			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(
				cmd.Context(),
				os.Interrupt,
				syscall.SIGTERM,
			)
			defer stop()

			a, err := newApp(ctx, &cfg, log.New(cfg.Debug))
			if err != nil {
				return err
			}

			return a.run()
		},
	}

	c.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	flags.bindFlags(c.Flags())

	return c
}
