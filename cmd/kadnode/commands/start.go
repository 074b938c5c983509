package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shizukutanaka/kadnode/internal/api"
	"github.com/shizukutanaka/kadnode/internal/config"
	"github.com/shizukutanaka/kadnode/internal/dht"
	"github.com/shizukutanaka/kadnode/internal/logging"
	"github.com/shizukutanaka/kadnode/internal/monitoring"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a DHT node",
	Long: `Run a DHT node with the configuration in --config.

Examples:
  # Start a standalone node
  kadnode start

  # Join an existing network
  kadnode start --bootstrap 203.0.113.7:4222

  # Reload the configuration when the file changes
  kadnode start --watch`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringSlice("bootstrap", nil, "Bootstrap node addresses, overriding the config")
	startCmd.Flags().String("listen", "", "UDP listen address, overriding the config")
	startCmd.Flags().Bool("watch", false, "Reload the configuration file on change")
}

func runStart(cmd *cobra.Command, args []string) error {
	bootstrap, _ := cmd.Flags().GetStringSlice("bootstrap")
	listen, _ := cmd.Flags().GetString("listen")
	watch, _ := cmd.Flags().GetBool("watch")

	manager, err := config.NewManager(nil, cfgFile)
	if err != nil {
		return err
	}
	cfg := manager.Get()
	if len(bootstrap) > 0 {
		cfg.Node.BootstrapNodes = bootstrap
	}
	if listen != "" {
		cfg.Node.Transport.ListenAddr = listen
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logs, err := logging.NewFactory(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Sync()
	logger := logs.Logger()

	var metrics *monitoring.MetricsExporter
	if cfg.Metrics.Enabled {
		metrics = monitoring.NewMetricsExporter(logs.Named("metrics"), cfg.Metrics)
	}

	node, err := dht.New(logs.Named("dht"), cfg.Node, metrics)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		_ = node.Stop()
		return err
	}
	defer node.Stop()

	if watch {
		manager.OnChange(func(next *config.Config) {
			if err := logs.SetLevel(next.Logging.Level); err != nil {
				logger.Warn("Ignoring log level", zap.Error(err))
			}
			logs.SetModuleLevels(next.Logging.ModuleLevels)
			logger.Info("Configuration reloaded; only logging settings apply until restart")
		})
		if err := manager.StartWatcher(time.Second); err != nil {
			logger.Warn("Configuration watcher unavailable", zap.Error(err))
		}
		defer manager.StopWatcher()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Node.BootstrapNodes) > 0 {
		g.Go(func() error {
			if err := node.Bootstrap(gctx); err != nil && gctx.Err() == nil {
				logger.Warn("Bootstrap failed; continuing standalone", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.API.Enabled {
		handler := metricsHandler(metrics, cfg.Metrics)
		server, err := api.NewServer(cfg.API, logs.Named("api"), node, handler)
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Start(gctx) })
	}

	if metrics != nil && cfg.Metrics.ListenAddr != "" {
		g.Go(func() error { return metrics.Start(gctx) })
	}

	logger.Info("kadnode running",
		zap.String("version", Version),
		zap.Stringer("id", node.ID()),
		zap.String("address", node.Address()))

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("Shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// metricsHandler returns the handler the API should mount at /metrics, or
// nil when metrics are off or served on their own listener.
func metricsHandler(metrics *monitoring.MetricsExporter, cfg monitoring.MetricsConfig) http.Handler {
	if metrics == nil || cfg.ListenAddr != "" {
		return nil
	}
	return metrics.Handler()
}
