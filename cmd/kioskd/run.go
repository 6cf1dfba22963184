package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sionyx/kioskd/internal/config"
	"github.com/sionyx/kioskd/internal/events"
	"github.com/sionyx/kioskd/internal/kiosk"
	"github.com/sionyx/kioskd/internal/metrics"
	redisremote "github.com/sionyx/kioskd/internal/remote/redis"
	"github.com/sionyx/kioskd/internal/spool"
	"github.com/sionyx/kioskd/internal/spool/sim"
	"github.com/sionyx/kioskd/internal/systemd"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kiosk agent",
	Long:  `Start the attendant agent with session countdown, remote state sync, print job interception, and metrics endpoints.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("computer_id", cfg.Computer.ID).
		Msg("Starting kioskd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Connect to the shared remote store (Open pings the server)
	client, err := redisremote.Open(cfg.Remote)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close remote store client")
		}
	}()

	logger.Info().
		Str("host", cfg.Remote.Host).
		Int("port", cfg.Remote.Port).
		Str("key_prefix", cfg.Remote.KeyPrefix).
		Msg("Remote store connected")

	// Open the print spooler
	spooler, err := openSpooler(cfg.Printing)
	if err != nil {
		return fmt.Errorf("failed to open print spooler: %w", err)
	}

	logger.Info().
		Str("type", cfg.Printing.Spooler).
		Msg("Print spooler opened")

	// Initialize the attendant core
	coord := kiosk.New(cfg, client, spooler, nil, nil, logger)

	// Mirror core events into the log. A desktop shell embedding the
	// core would render these on screen instead.
	eventCh, unsubscribe := coord.Bus().Subscribe(256)
	defer unsubscribe()
	go logEvents(eventCh, logger.With().Str("component", "display").Logger())

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().
			Str("addr", metricsAddr).
			Msg("Metrics Server started")
	}

	// Notify systemd that we're ready to serve
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	logger.Info().Msg("kioskd startup complete")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Shutdown ends any active session with a remote write so the
	// customer's remaining time survives the daemon's exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coord.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("kioskd stopped")

	return nil
}

func openSpooler(cfg config.PrintingConfig) (spool.Spooler, error) {
	spoolerType := cfg.Spooler
	if spoolerType == "" {
		spoolerType = "sim"
	}

	switch spoolerType {
	case "sim":
		return sim.New(), nil
	default:
		return nil, fmt.Errorf("unsupported spooler type: %s (platform spoolers are wired in by the embedding shell)", spoolerType)
	}
}

// logEvents renders core events as log lines, one per notification a
// shell would show the customer or attendant.
func logEvents(ch <-chan events.Event, logger zerolog.Logger) {
	for ev := range ch {
		switch ev.Type {
		case events.SessionStarted:
			logger.Info().
				Str("session_id", ev.SessionID).
				Str("user_id", ev.UserID).
				Int64("remaining_seconds", ev.RemainingSeconds).
				Msg("Session started")

		case events.TimeUpdated:
			logger.Debug().
				Int64("remaining_seconds", ev.RemainingSeconds).
				Msg("Time remaining")

		case events.Warning5Min:
			logger.Warn().
				Str("user_id", ev.UserID).
				Int64("remaining_seconds", ev.RemainingSeconds).
				Msg("Five minutes of paid time remaining")

		case events.Warning1Min:
			logger.Warn().
				Str("user_id", ev.UserID).
				Int64("remaining_seconds", ev.RemainingSeconds).
				Msg("One minute of paid time remaining")

		case events.SessionEnded:
			logger.Info().
				Str("session_id", ev.SessionID).
				Str("user_id", ev.UserID).
				Str("reason", ev.Reason).
				Int64("used_seconds", ev.UsedSeconds).
				Int64("remaining_seconds", ev.RemainingSeconds).
				Msg("Session ended")

		case events.SyncFailed:
			logger.Warn().
				Str("user_id", ev.UserID).
				Str("message", ev.Message).
				Msg("Remote sync failing, countdown continues locally")

		case events.SyncRestored:
			logger.Info().
				Str("user_id", ev.UserID).
				Msg("Remote sync restored")

		case events.JobAllowed:
			logger.Info().
				Str("printer", ev.Printer).
				Uint32("job_id", ev.JobID).
				Str("document", ev.Document).
				Int("pages", ev.Pages).
				Int("copies", ev.Copies).
				Bool("color", ev.Color).
				Float64("cost", ev.Cost).
				Float64("balance", ev.Balance).
				Msg("Print job charged")

		case events.JobBlocked:
			logger.Warn().
				Str("printer", ev.Printer).
				Uint32("job_id", ev.JobID).
				Str("document", ev.Document).
				Float64("cost", ev.Cost).
				Float64("balance", ev.Balance).
				Msg("Print job blocked")

		case events.BudgetUpdated:
			logger.Info().
				Str("user_id", ev.UserID).
				Float64("balance", ev.Balance).
				Msg("Balance updated")

		case events.ErrorOccurred:
			logger.Error().
				Str("scope", ev.Scope).
				Str("message", ev.Message).
				Msg("Agent error")

		default:
			logger.Info().Str("type", string(ev.Type)).Msg("Event")
		}
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
