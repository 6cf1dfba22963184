package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_sessions_started_total",
			Help: "Total sessions started on this kiosk",
		},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosk_sessions_ended_total",
			Help: "Total sessions ended on this kiosk",
		},
		[]string{"reason"},
	)

	SessionRemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiosk_session_remaining_seconds",
			Help: "Remaining seconds of the active session",
		},
	)

	SyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_sync_failures_total",
			Help: "Failed remaining-time sync writes to the remote store",
		},
	)

	// Printing metrics
	PrintJobsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_print_jobs_detected_total",
			Help: "New print jobs picked up by the interception engine",
		},
	)

	PrintJobsAllowed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_print_jobs_allowed_total",
			Help: "Print jobs charged and released",
		},
	)

	PrintJobsBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_print_jobs_blocked_total",
			Help: "Print jobs canceled for insufficient budget",
		},
	)

	PrintJobsEscaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_print_jobs_escaped_total",
			Help: "Print jobs that could not be paused and were charged retroactively",
		},
	)

	// Budget metrics
	ChargeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_charge_failures_total",
			Help: "Budget debits that could not be written to the remote store",
		},
	)

	BudgetBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiosk_budget_balance",
			Help: "Last known budget balance of the active user",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		SessionRemainingSeconds,
		SyncFailures,
		PrintJobsDetected,
		PrintJobsAllowed,
		PrintJobsBlocked,
		PrintJobsEscaped,
		ChargeFailures,
		BudgetBalance,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
