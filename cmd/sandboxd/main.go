// sandboxd - a stateful, specification-driven HTTP mock server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxhq/sandboxd/pkg/config"
	"github.com/sandboxhq/sandboxd/pkg/engine"
	"github.com/sandboxhq/sandboxd/pkg/logging"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Stateful, specification-driven HTTP mock server",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), checkCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		oasPath    string
		scenarios  string
		seed       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mock server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if oasPath != "" {
				cfg.OAS = oasPath
			}
			if scenarios != "" {
				cfg.Scenarios = scenarios
			}
			if seed != "" {
				cfg.Seed = seed
			}

			logger := logging.New(logging.Config{
				Level:  logging.ParseLevel(cfg.Log.Level),
				Format: logging.ParseFormat(cfg.Log.Format),
			})

			srv, err := engine.New(cfg, logger)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				logger.Info("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "bind address (overrides config)")
	cmd.Flags().StringVar(&oasPath, "oas", "", "OpenAPI document path (overrides config)")
	cmd.Flags().StringVar(&scenarios, "scenarios", "", "scenarios file path (overrides config)")
	cmd.Flags().StringVar(&seed, "seed", "", "determinism seed (overrides config)")
	return cmd
}

// checkCmd loads the document and scenarios without opening a
// listener, so configs can be validated in CI.
func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration, document and scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			srv, err := engine.New(cfg, logging.Nop())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Println("configuration ok")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sandbox.yaml", "configuration file (YAML)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("sandbox.yaml"); err == nil {
			path = "sandbox.yaml"
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}
