// Package main provides the CLI entry point for the device gateway daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/devicegateway/internal/backend"
	"github.com/postalsys/devicegateway/internal/config"
	"github.com/postalsys/devicegateway/internal/gateway"
	"github.com/postalsys/devicegateway/internal/identity"
	"github.com/postalsys/devicegateway/internal/logging"
	"github.com/postalsys/devicegateway/internal/metrics"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "gatewayd",
		Short:   "Device gateway - terminates encrypted device sessions and bridges them to the backend plane",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(printConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Gateway.LogLevel, cfg.Gateway.LogFormat)

			if cfg.Backend.Mode != "memory" {
				return fmt.Errorf("gatewayd: backend mode %q is not yet wired", cfg.Backend.Mode)
			}
			store := backend.NewMemoryStore()

			reg := prometheus.NewRegistry()
			promMetrics := metrics.NewMetricsWithRegistry(reg)

			gw := gateway.New(gateway.Collaborators{
				Auth:          store,
				DeviceStore:   store,
				ScriptStore:   store,
				PubSub:        store,
				TelemetrySink: store,
				Metrics:       backend.NoopMetrics{},
				RetryTable:    identity.NewRetryTable(),
				TickInterval:  cfg.Session.TickInterval,
			}, logger, promMetrics)

			mux := http.NewServeMux()
			gw.Register(mux, "GET "+cfg.Gateway.Path)

			server := &http.Server{
				Addr:    cfg.Gateway.Address,
				Handler: mux,
			}

			go func() {
				logger.Info("device gateway listening", logging.KeyAddress, cfg.Gateway.Address, logging.KeyRoute, cfg.Gateway.Path)
				var err error
				if cfg.TLS.HasCert() && cfg.TLS.HasKey() {
					err = server.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
				} else {
					err = server.ListenAndServe()
				}
				if err != nil && err != http.ErrServerClosed {
					logger.Error("gateway server stopped", logging.KeyError, err.Error())
				}
			}()

			if cfg.HTTP.Enabled {
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsServer := &http.Server{Addr: cfg.HTTP.Address, Handler: metricsMux}
				go func() {
					logger.Info("metrics listening", logging.KeyAddress, cfg.HTTP.Address)
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server stopped", logging.KeyError, err.Error())
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults applied if omitted)")
	return cmd
}

func printConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration, with key material redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults applied if omitted)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
