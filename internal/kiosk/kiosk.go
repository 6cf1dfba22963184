// Package kiosk wires the attendant core together: one remote client,
// one event bus, and the account store, budget ledger, session manager
// and print monitor composed behind a single Coordinator the embedding
// shell talks to.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sionyx/kioskd/internal/account"
	"github.com/sionyx/kioskd/internal/budget"
	"github.com/sionyx/kioskd/internal/clock"
	"github.com/sionyx/kioskd/internal/config"
	"github.com/sionyx/kioskd/internal/events"
	"github.com/sionyx/kioskd/internal/printmon"
	"github.com/sionyx/kioskd/internal/remote"
	"github.com/sionyx/kioskd/internal/session"
	"github.com/sionyx/kioskd/internal/spool"
)

// ErrSessionElsewhere is returned by StartSession when the account has
// a live session on another computer.
var ErrSessionElsewhere = errors.New("kiosk: user has an active session on another computer")

// Coordinator owns the attendant core for one kiosk seat. Sessions arm
// print interception on start and disarm it on end; everything the
// shell needs to observe flows through the event bus.
type Coordinator struct {
	cfg     *config.Config
	clk     clock.Clock
	bus     *events.Bus
	store   *account.Store
	ledger  *budget.Ledger
	monitor *printmon.Monitor
	manager *session.Manager
	logger  zerolog.Logger
}

// monitorArmer adapts the print monitor to the session manager's Armer.
type monitorArmer struct {
	mon *printmon.Monitor
}

func (a *monitorArmer) Arm(ctx context.Context, userID string) error {
	return a.mon.Start(ctx, userID)
}

func (a *monitorArmer) Disarm() {
	a.mon.Stop()
}

// New builds the coordinator and its components from the daemon
// configuration. A nil cleaner disables workstation cleanup hooks; a
// nil clk uses the system clock.
func New(cfg *config.Config, client remote.Client, spooler spool.Spooler, cleaner session.Cleaner, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.RealClock{}
	}

	bus := events.NewBus(logger)
	store := account.NewStore(client)

	ledger := budget.New(store, budget.Config{
		CacheTTL:  parseDuration(cfg.Budget.CacheTTL, budget.DefaultCacheTTL),
		CacheSize: cfg.Budget.CacheSize,
	}, bus, clk, logger)

	monitor := printmon.New(spooler, ledger, store, bus, clk, printmon.Config{
		PollInterval:       parseDuration(cfg.Printing.PollInterval, printmon.DefaultPollInterval),
		SettleInterval:     parseDuration(cfg.Printing.SettleInterval, printmon.DefaultSettleInterval),
		SettleTimeout:      parseDuration(cfg.Printing.SettleTimeout, printmon.DefaultSettleTimeout),
		StopTimeout:        parseDuration(cfg.Printing.StopTimeout, printmon.DefaultStopTimeout),
		FallbackBWPrice:    cfg.Printing.FallbackBWPrice,
		FallbackColorPrice: cfg.Printing.FallbackColorPrice,
	}, logger)

	manager := session.New(store, &monitorArmer{mon: monitor}, cleaner, bus, clk, session.Config{
		ComputerID:       cfg.Computer.ID,
		TickInterval:     parseDuration(cfg.Session.TickInterval, session.DefaultTickInterval),
		SyncInterval:     parseDuration(cfg.Session.SyncInterval, session.DefaultSyncInterval),
		OrphanAge:        parseDuration(cfg.Session.OrphanAge, session.DefaultOrphanAge),
		OfflineThreshold: cfg.Session.OfflineThreshold,
	}, logger)

	return &Coordinator{
		cfg:     cfg,
		clk:     clk,
		bus:     bus,
		store:   store,
		ledger:  ledger,
		monitor: monitor,
		manager: manager,
		logger:  logger.With().Str("component", "kiosk").Logger(),
	}
}

// Bus returns the event bus the shell subscribes to.
func (c *Coordinator) Bus() *events.Bus {
	return c.bus
}

// Status returns the session manager's current snapshot.
func (c *Coordinator) Status() session.Status {
	return c.manager.Status()
}

// Balance returns the user's balance, served from the ledger cache
// when fresh.
func (c *Coordinator) Balance(ctx context.Context, userID string) (float64, error) {
	return c.ledger.Balance(ctx, userID)
}

// StartSession runs the login sequence for userID: release an
// orphaned record if one is stale, refuse a seat taken elsewhere, then
// start the session with the account's remaining time.
func (c *Coordinator) StartSession(ctx context.Context, userID string) error {
	if released, err := c.manager.RecoverOrphan(ctx, userID); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("Orphan check failed")
	} else if released {
		c.logger.Info().Str("user_id", userID).Msg("Recovered orphaned session at login")
	}

	acct, err := c.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("account lookup: %w", err)
	}

	if acct.SessionActive {
		if acct.SessionComputer == c.cfg.Computer.ID && !c.manager.Status().Active {
			// Our own record from a previous process run; the session it
			// describes cannot exist anymore.
			if rerr := c.store.ReleaseOrphan(ctx, userID, c.clk.Now()); rerr != nil {
				return fmt.Errorf("releasing stale own session: %w", rerr)
			}
			c.logger.Info().Str("user_id", userID).Msg("Released this computer's stale session record")
		} else {
			return ErrSessionElsewhere
		}
	}

	return c.manager.Start(ctx, userID, acct.RemainingSeconds)
}

// EndSession ends the active session with the given reason.
func (c *Coordinator) EndSession(ctx context.Context, reason session.EndReason) error {
	return c.manager.End(ctx, reason)
}

// RecoverOrphan releases a stale remote session record for userID; see
// the session manager for the staleness rule.
func (c *Coordinator) RecoverOrphan(ctx context.Context, userID string) (bool, error) {
	return c.manager.RecoverOrphan(ctx, userID)
}

// Shutdown ends any active session and stops the core. The forced end
// is written remotely so the user's remaining time survives the
// daemon's exit.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if c.manager.Status().Active {
		if err := c.manager.End(ctx, session.ReasonHoursForce); err != nil && !errors.Is(err, session.ErrNotActive) {
			c.logger.Error().Err(err).Msg("Failed to end session during shutdown")
		}
	}
	c.manager.Close()
	c.monitor.Stop()
	c.logger.Info().Msg("Kiosk core stopped")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
