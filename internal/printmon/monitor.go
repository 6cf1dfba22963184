// Package printmon implements print job interception. Every job that
// appears on a monitored queue is paused before it reaches the device,
// priced from its settled metadata, charged against the session user's
// budget, and then released or cancelled by the verdict.
package printmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sionyx/kioskd/internal/account"
	"github.com/sionyx/kioskd/internal/budget"
	"github.com/sionyx/kioskd/internal/clock"
	"github.com/sionyx/kioskd/internal/events"
	"github.com/sionyx/kioskd/internal/metrics"
	"github.com/sionyx/kioskd/internal/spool"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultSettleInterval = 250 * time.Millisecond
	DefaultSettleTimeout  = 3 * time.Second
	DefaultStopTimeout    = 5 * time.Second
)

// notifyWaitSlice bounds each notification wait so the loop can
// observe the stop channel even when the spooler stays silent.
const notifyWaitSlice = time.Second

// ErrAlreadyRunning is returned by Start while the monitor is armed.
var ErrAlreadyRunning = errors.New("printmon: monitor already running")

// Charger is the slice of the budget ledger the monitor needs.
// *budget.Ledger satisfies it.
type Charger interface {
	Debit(ctx context.Context, userID string, amount float64, allowNegative bool) (float64, error)
}

// PricingSource loads the per-page price table. *account.Store
// satisfies it.
type PricingSource interface {
	Pricing(ctx context.Context) (*account.Pricing, error)
}

// Config holds interception timing and fallback pricing.
type Config struct {
	// PollInterval is the safety-net queue scan period.
	PollInterval time.Duration

	// SettleInterval and SettleTimeout pace the metadata reads of a
	// freshly paused job until its page count stabilizes.
	SettleInterval time.Duration
	SettleTimeout  time.Duration

	// StopTimeout bounds how long Stop waits for the loops to join.
	StopTimeout time.Duration

	// Fallback prices used when the remote price table cannot be read.
	FallbackBWPrice    float64
	FallbackColorPrice float64
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = DefaultSettleInterval
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// jobKey addresses one spooler job across scans.
type jobKey struct {
	printer string
	id      uint32
}

// Monitor watches the machine's print queues while a session runs.
// New jobs are detected by diffing queue snapshots; a spooler
// notification channel and a periodic poll both feed the same
// capacity-1 scan queue, so bursts collapse into single scans and a
// lost notification is covered by the next poll.
type Monitor struct {
	spooler spool.Spooler
	charger Charger
	pricing PricingSource
	bus     *events.Bus
	clk     clock.Clock
	cfg     Config
	logger  zerolog.Logger

	mu        sync.Mutex
	running   bool
	userID    string
	prices    account.Pricing
	known     map[string]map[uint32]struct{}
	processed map[jobKey]struct{}
	notif     spool.Notification
	stopChan  chan struct{}
	wg        *sync.WaitGroup
}

// New creates a print monitor. It does nothing until Start arms it.
func New(spooler spool.Spooler, charger Charger, pricing PricingSource, bus *events.Bus, clk clock.Clock, cfg Config, logger zerolog.Logger) *Monitor {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Monitor{
		spooler: spooler,
		charger: charger,
		pricing: pricing,
		bus:     bus,
		clk:     clk,
		cfg:     cfg,
		logger:  logger.With().Str("component", "print-monitor").Logger(),
	}
}

// Running reports whether the monitor is armed.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start arms interception for userID. The current queue contents are
// snapshotted first so jobs predating the session are never treated as
// new. Pricing is loaded once per arm; if the price table cannot be
// read the configured fallback prices apply for the whole session.
func (m *Monitor) Start(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	prices := account.Pricing{
		BWPerPage:    m.cfg.FallbackBWPrice,
		ColorPerPage: m.cfg.FallbackColorPrice,
	}
	if p, err := m.pricing.Pricing(ctx); err != nil {
		m.logger.Warn().Err(err).
			Float64("bw_price", prices.BWPerPage).
			Float64("color_price", prices.ColorPerPage).
			Msg("Price table unavailable, using fallback prices")
	} else {
		prices = *p
	}

	known := make(map[string]map[uint32]struct{})
	printers, err := m.spooler.Printers(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Printer enumeration failed while arming")
	}
	for _, printer := range printers {
		ids, err := m.spooler.JobIDs(ctx, printer)
		if err != nil {
			m.logger.Warn().Err(err).Str("printer", printer).Msg("Queue snapshot failed while arming")
			continue
		}
		set := make(map[uint32]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		known[printer] = set
	}

	m.running = true
	m.userID = userID
	m.prices = prices
	m.known = known
	m.processed = make(map[jobKey]struct{})
	m.stopChan = make(chan struct{})
	m.wg = &sync.WaitGroup{}

	scanReq := make(chan struct{}, 1)

	if n, serr := m.spooler.Subscribe(); serr != nil {
		m.logger.Warn().Err(serr).Msg("Spooler notifications unavailable, relying on polling")
	} else {
		m.notif = n
		m.wg.Add(1)
		go m.notifyLoop(n, scanReq, m.stopChan, m.wg)
	}

	m.wg.Add(2)
	go m.pollLoop(scanReq, m.stopChan, m.wg)
	go m.scanLoop(scanReq, m.stopChan, m.wg)

	m.logger.Info().
		Str("user_id", userID).
		Int("printers", len(known)).
		Float64("bw_price", prices.BWPerPage).
		Float64("color_price", prices.ColorPerPage).
		Msg("Print interception armed")
	return nil
}

// Stop disarms interception and joins the loops, bounded by
// stop_timeout. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	notif := m.notif
	m.notif = nil
	wg := m.wg
	m.mu.Unlock()

	if notif != nil {
		if err := notif.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Notification close failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn().Msg("Print monitor loops did not stop in time")
	}

	m.mu.Lock()
	m.known = nil
	m.processed = nil
	m.userID = ""
	m.mu.Unlock()

	m.logger.Info().Msg("Print interception disarmed")
}

// requestScan coalesces into the capacity-1 scan queue; a request
// while a scan is already pending is absorbed by it.
func requestScan(scanReq chan<- struct{}) {
	select {
	case scanReq <- struct{}{}:
	default:
	}
}

func (m *Monitor) notifyLoop(n spool.Notification, scanReq chan<- struct{}, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		fired, err := n.Wait(notifyWaitSlice)
		if err != nil {
			select {
			case <-stop:
				// handle closed during disarm
			default:
				m.logger.Warn().Err(err).Msg("Spooler notifications lost, relying on polling")
			}
			return
		}
		if fired {
			requestScan(scanReq)
		}
	}
}

func (m *Monitor) pollLoop(scanReq chan<- struct{}, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			requestScan(scanReq)
		case <-stop:
			return
		}
	}
}

func (m *Monitor) scanLoop(scanReq <-chan struct{}, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-scanReq:
			m.scanOnce(stop)
		case <-stop:
			return
		}
	}
}

// scanOnce diffs every queue against its last snapshot and handles the
// jobs that appeared. A queue without a snapshot only seeds one, so a
// failed arm-time read cannot turn pre-existing jobs into new ones.
// Enumeration failures skip the affected printer for this scan; its
// processed entries are kept so a flaky queue read cannot make a
// handled job look new again.
func (m *Monitor) scanOnce(stop <-chan struct{}) {
	ctx := context.Background()
	printers, err := m.spooler.Printers(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Printer enumeration failed")
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	userID := m.userID
	prices := m.prices
	var fresh []jobKey
	for _, printer := range printers {
		ids, err := m.spooler.JobIDs(ctx, printer)
		if err != nil {
			m.logger.Warn().Err(err).Str("printer", printer).Msg("Queue enumeration failed")
			continue
		}
		live := make(map[uint32]struct{}, len(ids))
		for _, id := range ids {
			live[id] = struct{}{}
		}
		prev, seen := m.known[printer]
		if !seen {
			// First successful read of this queue; its contents
			// predate the watch and become the baseline, not new jobs.
			m.known[printer] = live
			continue
		}
		for _, id := range ids {
			if _, ok := prev[id]; ok {
				continue
			}
			key := jobKey{printer: printer, id: id}
			if _, ok := m.processed[key]; ok {
				continue
			}
			m.processed[key] = struct{}{}
			fresh = append(fresh, key)
		}
		m.known[printer] = live

		// Ids that left the queue can be recycled by the spooler, so
		// their processed claims must not outlive them.
		for key := range m.processed {
			if key.printer != printer {
				continue
			}
			if _, ok := live[key.id]; !ok {
				delete(m.processed, key)
			}
		}
	}
	m.mu.Unlock()

	for _, key := range fresh {
		select {
		case <-stop:
			return
		default:
		}
		m.handleJob(ctx, userID, prices, key, stop)
	}
}

// handleJob runs the pause, settle, charge, verdict pipeline for one
// newly detected job. Failures are absorbed here; nothing a single job
// does may stop the monitoring loops.
func (m *Monitor) handleJob(ctx context.Context, userID string, prices account.Pricing, key jobKey, stop <-chan struct{}) {
	log := m.logger.With().Str("printer", key.printer).Uint32("job_id", key.id).Logger()
	metrics.PrintJobsDetected.Inc()

	paused := true
	if err := m.spooler.Pause(ctx, key.printer, key.id); err != nil {
		if errors.Is(err, spool.ErrJobNotFound) {
			log.Debug().Msg("Job vanished before pause")
			return
		}
		paused = false
		metrics.PrintJobsEscaped.Inc()
		log.Warn().Err(err).Msg("Job escaped the pause, charging after the fact")
	}

	info, gone := m.settle(ctx, key, stop)
	if paused && gone {
		// A paused job that left the queue was cancelled by its owner
		// and never printed.
		log.Debug().Msg("Job vanished while settling")
		return
	}
	if info == nil {
		if paused {
			m.cancelJob(ctx, key, log)
			log.Error().Msg("Job metadata unreadable, job cancelled")
			m.bus.Publish(events.Event{
				Type:    events.ErrorOccurred,
				At:      m.clk.Now(),
				Scope:   "printing",
				Message: fmt.Sprintf("metadata for job %d on %s unreadable", key.id, key.printer),
			})
			return
		}
		log.Warn().Msg("Escaped job vanished before it could be billed")
		m.bus.Publish(events.Event{
			Type:    events.ErrorOccurred,
			At:      m.clk.Now(),
			Scope:   "printing",
			Message: fmt.Sprintf("job %d on %s escaped and vanished unbilled", key.id, key.printer),
		})
		return
	}

	pages := info.Pages
	if pages < 1 {
		pages = 1
	}
	copies := info.DevMode.EffectiveCopies()
	color := info.DevMode.IsColor()
	price := prices.BWPerPage
	if color {
		price = prices.ColorPerPage
	}
	cost := float64(pages*copies) * price
	now := m.clk.Now()

	log = log.With().
		Str("document", info.Document).
		Int("pages", pages).
		Int("copies", copies).
		Bool("color", color).
		Float64("cost", cost).
		Logger()

	if !paused {
		// Already printing: recover the cost even into debt.
		balance, err := m.charger.Debit(ctx, userID, cost, true)
		if err != nil {
			log.Error().Err(err).Msg("Failed to charge escaped job")
			m.bus.Publish(events.Event{
				Type:    events.ErrorOccurred,
				At:      now,
				Scope:   "printing",
				Message: fmt.Sprintf("charge for escaped job %d on %s failed: %v", key.id, key.printer, err),
			})
			return
		}
		metrics.PrintJobsAllowed.Inc()
		log.Info().Float64("balance", balance).Msg("Escaped job charged")
		m.bus.Publish(m.jobEvent(events.JobAllowed, now, userID, key, info, pages, copies, color, cost, balance))
		return
	}

	balance, err := m.charger.Debit(ctx, userID, cost, false)
	var insufficient *budget.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		metrics.PrintJobsBlocked.Inc()
		m.cancelJob(ctx, key, log)
		log.Info().Float64("available", insufficient.Available).Msg("Print job blocked")
		m.bus.Publish(m.jobEvent(events.JobBlocked, now, userID, key, info, pages, copies, color, cost, insufficient.Available))

	case err != nil:
		// The charge never landed; an undecided job must not print.
		m.cancelJob(ctx, key, log)
		log.Error().Err(err).Msg("Charge failed, job cancelled")
		m.bus.Publish(events.Event{
			Type:    events.ErrorOccurred,
			At:      now,
			Scope:   "printing",
			Message: fmt.Sprintf("charge for job %d on %s failed: %v", key.id, key.printer, err),
		})

	default:
		metrics.PrintJobsAllowed.Inc()
		if rerr := m.spooler.Resume(ctx, key.printer, key.id); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to release charged job")
			m.bus.Publish(events.Event{
				Type:    events.ErrorOccurred,
				At:      now,
				Scope:   "printing",
				Message: fmt.Sprintf("release of charged job %d on %s failed: %v", key.id, key.printer, rerr),
			})
		}
		log.Info().Float64("balance", balance).Msg("Print job allowed")
		m.bus.Publish(m.jobEvent(events.JobAllowed, now, userID, key, info, pages, copies, color, cost, balance))
	}
}

func (m *Monitor) jobEvent(typ events.Type, at time.Time, userID string, key jobKey, info *spool.JobInfo, pages, copies int, color bool, cost, balance float64) events.Event {
	return events.Event{
		Type:     typ,
		At:       at,
		UserID:   userID,
		Printer:  key.printer,
		JobID:    key.id,
		Document: info.Document,
		Pages:    pages,
		Copies:   copies,
		Color:    color,
		Cost:     cost,
		Balance:  balance,
	}
}

func (m *Monitor) cancelJob(ctx context.Context, key jobKey, log zerolog.Logger) {
	err := m.spooler.Cancel(ctx, key.printer, key.id)
	if err == nil || errors.Is(err, spool.ErrJobNotFound) {
		return
	}
	log.Error().Err(err).Msg("Failed to cancel job")
	m.bus.Publish(events.Event{
		Type:    events.ErrorOccurred,
		At:      m.clk.Now(),
		Scope:   "printing",
		Message: fmt.Sprintf("cancel of job %d on %s failed: %v", key.id, key.printer, err),
	})
}

// settle polls job metadata until the reported page count is positive
// and stable across two consecutive reads, or the settle window runs
// out, in which case the last reading wins. gone reports that the job
// left the queue; the last reading obtained before that, if any, is
// still returned so an escaped job that finished fast can be billed.
func (m *Monitor) settle(ctx context.Context, key jobKey, stop <-chan struct{}) (info *spool.JobInfo, gone bool) {
	deadline := time.Now().Add(m.cfg.SettleTimeout)
	var last *spool.JobInfo
	prevPages := -1
loop:
	for {
		cur, err := m.spooler.Job(ctx, key.printer, key.id)
		if err != nil {
			if errors.Is(err, spool.ErrJobNotFound) {
				return last, true
			}
			m.logger.Debug().Err(err).Uint32("job_id", key.id).Msg("Job read failed while settling")
		} else {
			last = cur
			if cur.Pages > 0 && cur.Pages == prevPages {
				return cur, false
			}
			prevPages = cur.Pages
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-stop:
			break loop
		case <-time.After(m.cfg.SettleInterval):
		}
	}
	return last, false
}
