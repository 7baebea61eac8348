package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/bridgehttp/v2/internal/config"
	"example.com/bridgehttp/v2/internal/dispatch"
	"example.com/bridgehttp/v2/internal/handlers/demo"
	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/server"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	port       int
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "bridgehttp",
		Short:         "Run the embedded HTTP/1.1 container with the demo handlers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, cmd.Flags().Changed("port"))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file (JSON or TOML); defaults apply when omitted")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "listening port, overriding the configuration (0 picks a random high port)")
	return cmd
}

// loadConfig reads the file if one was given and applies the flag overrides.
func loadConfig(opts options, portSet bool) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath == "" {
		cfg = config.Default()
	} else {
		path, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", opts.configPath, err)
		}
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if portSet {
		port := opts.port
		cfg.Server.Port = &port
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	d := dispatch.NewContext(cfg.Server.ContextPath, lg)
	if err := demo.Register(d, cfg.Server.ServerInfo, lg); err != nil {
		lg.Error("Failed to register demo handlers", logger.LogFields{"error": err})
		return err
	}
	c, err := server.New(cfg, lg, d)
	if err != nil {
		lg.Error("Failed to create container", logger.LogFields{"error": err})
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reopenLogsOnHUP(ctx, lg)

	if err := c.Run(ctx); err != nil {
		lg.Error("Container exited with an error", logger.LogFields{"error": err})
		return err
	}
	lg.Info("Container shut down gracefully", nil)
	return nil
}

// reopenLogsOnHUP reopens file log targets on SIGHUP, for log rotation.
func reopenLogsOnHUP(ctx context.Context, lg *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := lg.ReopenLogFiles(); err != nil {
				lg.Error("Failed to reopen log files", logger.LogFields{"error": err})
			} else {
				lg.Info("Log files reopened", nil)
			}
		}
	}
}
