package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqtt311"
	"github.com/vitalvas/mqtt311/internal/config"
	"github.com/vitalvas/mqtt311/internal/logging"
)

var (
	serveConfigPath    string
	serveStatsInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to the YAML configuration file")
	serveCmd.Flags().DurationVar(&serveStatsInterval, "stats-interval", 0, "log broker counters at this interval (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLoggers builds the console logger shared by the daemon and the engine.
func newLoggers(cfg config.LogConfig) (mqtt311.Logger, *slog.Logger) {
	logging.SetNoColor(cfg.NoColor)

	lv := new(slog.LevelVar)
	handler := logging.NewConsoleHandler(os.Stderr, lv)

	engine := mqtt311.NewSlogLoggerWithHandler(handler, lv, mqtt311.ParseLogLevel(cfg.Level))
	engine.SetLevel(mqtt311.ParseLogLevel(cfg.Level))

	return engine, slog.New(handler)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	engineLog, log := newLoggers(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBroker(ctx, cfg, engineLog, log)
	if err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if serveStatsInterval > 0 {
		go logStats(ctx, b, serveStatsInterval)
	}

	log.Info("broker starting", "version", version, "listeners", len(cfg.Listeners), "storage", cfg.Storage.Type)
	return b.run(ctx)
}

func logStats(ctx context.Context, b *broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.log.Info("broker stats",
				"clients", b.server.ClientCount(),
				"sessions", b.server.SessionCount(),
				"counters", b.metrics.Snapshot(),
			)
		}
	}
}
