package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/redq/internal/cmd/client"
	serverrun "github.com/rzbill/redq/internal/cmd/server"
	cfgpkg "github.com/rzbill/redq/internal/config"
	logpkg "github.com/rzbill/redq/pkg/log"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "redq",
		Short:        "redq broker CLI",
		Long:         "redq is a single-node message broker with policy-driven redelivery and dead-letter routing. This CLI manages the server and basic operations.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start redq server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logpkg.ApplyConfig(&cfg.Log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			logpkg.RedirectStdLog(logger)
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, Logger: logger}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	f := serverStartCmd.Flags()
	f.String("config", os.Getenv("REDQ_CONFIG"), "Config file (JSON or YAML)")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.String("grpc", "", "gRPC listen address (default :9090)")
	f.String("http", "", "HTTP listen address (default :8080)")
	f.String("fsync", "", "Fsync mode: always|interval|never")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	f.String("state-backend", "", "Redelivery state backend: pebble|memory|redis")
	f.String("dlq-strategy", "", "Dead-letter strategy: shared|individual")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadServerConfig layers flags over REDQ_* variables over the config file
// over defaults.
func loadServerConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)

	set := func(name string, dst *string) {
		if v, _ := f.GetString(name); v != "" {
			*dst = v
		}
	}
	set("data-dir", &cfg.DataDir)
	set("grpc", &cfg.Server.GRPC)
	set("http", &cfg.Server.HTTP)
	set("fsync", &cfg.Fsync)
	set("log-level", &cfg.Log.Level)
	set("log-format", &cfg.Log.Format)
	set("state-backend", &cfg.StateStore.Backend)
	set("dlq-strategy", &cfg.DeadLetter.Strategy)
	return cfg, cfg.Validate()
}

func apiURL() string {
	if v := os.Getenv("REDQ_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
