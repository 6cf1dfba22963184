package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sionyx/kioskd/internal/account"
	"github.com/sionyx/kioskd/internal/clock"
	"github.com/sionyx/kioskd/internal/events"
	"github.com/sionyx/kioskd/internal/metrics"
	"github.com/sionyx/kioskd/internal/remote"
)

// Accounts is the slice of the account store the manager needs.
// *account.Store satisfies it.
type Accounts interface {
	Get(ctx context.Context, userID string) (*account.Account, error)
	BeginSession(ctx context.Context, userID, computerID string, now time.Time) error
	WriteRemaining(ctx context.Context, userID string, remaining int64, now time.Time) error
	FinishSession(ctx context.Context, userID string, remaining int64, now time.Time) error
	ZeroRemaining(ctx context.Context, userID string, now time.Time) error
	ReleaseOrphan(ctx context.Context, userID string, now time.Time) error
}

// Armer arms and disarms print interception around a session. The
// coordinator provides one backed by the print monitor.
type Armer interface {
	Arm(ctx context.Context, userID string) error
	Disarm()
}

// Cleaner runs platform workstation cleanup around session boundaries.
// Both hooks are best-effort; failures are logged and never abort the
// transition.
type Cleaner interface {
	// KillUserProcesses terminates programs a previous occupant left
	// running. Called before a new session starts.
	KillUserProcesses(ctx context.Context) error

	// CloseBrowsers shuts down browsers at session end so the next
	// user cannot resume the previous user's logins.
	CloseBrowsers(ctx context.Context) error
}

type noopArmer struct{}

func (noopArmer) Arm(context.Context, string) error { return nil }
func (noopArmer) Disarm()                           {}

type noopCleaner struct{}

func (noopCleaner) KillUserProcesses(context.Context) error { return nil }
func (noopCleaner) CloseBrowsers(context.Context) error     { return nil }

// state is the mutable heart of one session. A fresh state is
// allocated per Start so warning flags and the sync failure counter
// can never leak between sessions.
type state struct {
	id      string
	userID  string
	anchor  time.Time
	initial int64

	lastRemaining int64
	lastUsed      int64
	warned5       bool
	warned1       bool

	syncFailures int
	online       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// remainingAt derives the countdown from the wall clock and the start
// anchor. Remaining time never goes below zero and used time never
// exceeds the initial grant, so a suspended or badly scheduled process
// resumes to correct values instead of accumulating drift.
func (st *state) remainingAt(now time.Time) (remaining, used int64) {
	elapsed := int64(now.Sub(st.anchor) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	used = elapsed
	if used > st.initial {
		used = st.initial
	}
	remaining = st.initial - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, used
}

// Manager owns the kiosk session lifecycle. At most one session is
// active at a time; the countdown evaluator and the sync writer run as
// goroutines owned by the active session and stop with it.
type Manager struct {
	accounts Accounts
	armer    Armer
	cleaner  Cleaner
	bus      *events.Bus
	clk      clock.Clock
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	cur    *state
	ending bool

	// endReq carries end commands from the countdown evaluator to the
	// command loop. Capacity 1; duplicate commands coalesce.
	endReq    chan EndReason
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session manager and starts its command loop. A nil
// armer or cleaner disables the corresponding hook.
func New(accounts Accounts, armer Armer, cleaner Cleaner, bus *events.Bus, clk clock.Clock, cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	if armer == nil {
		armer = noopArmer{}
	}
	if cleaner == nil {
		cleaner = noopCleaner{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	m := &Manager{
		accounts: accounts,
		armer:    armer,
		cleaner:  cleaner,
		bus:      bus,
		clk:      clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "session").Logger(),
		endReq:   make(chan EndReason, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.commandLoop()
	return m
}

// Close stops the command loop. Any active session should be ended
// first; Close does not end it. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
	})
}

// commandLoop applies end commands enqueued by the countdown
// evaluator. Running the transition here keeps the evaluator free to
// tick without ever blocking on remote writes.
func (m *Manager) commandLoop() {
	defer close(m.done)
	for {
		select {
		case reason := <-m.endReq:
			if err := m.End(context.Background(), reason); err != nil && !errors.Is(err, ErrNotActive) {
				m.logger.Error().Err(err).Str("reason", string(reason)).Msg("Automatic session end failed")
			}
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) enqueueEnd(reason EndReason) {
	select {
	case m.endReq <- reason:
	default:
	}
}

// Start begins a session for userID with the given seconds of time.
// The remote record is checked for account expiry and marked occupied
// before any local state changes; a failed remote write leaves the
// manager idle.
func (m *Manager) Start(ctx context.Context, userID string, initialSeconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil || m.ending {
		return ErrAlreadyActive
	}
	if initialSeconds <= 0 {
		return ErrNoTime
	}

	now := m.clk.Now().UTC()

	acct, err := m.accounts.Get(ctx, userID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("account lookup: %w", err)
	}
	if err == nil && acct.Expired(now) {
		if zerr := m.accounts.ZeroRemaining(ctx, userID, now); zerr != nil {
			m.logger.Error().Err(zerr).Str("user_id", userID).Msg("Failed to zero remaining time on expired account")
		}
		return ErrTimeExpired
	}

	if cerr := m.cleaner.KillUserProcesses(ctx); cerr != nil {
		m.logger.Warn().Err(cerr).Msg("Pre-session process cleanup failed")
	}

	if err := m.accounts.BeginSession(ctx, userID, m.cfg.ComputerID, now); err != nil {
		return fmt.Errorf("failed to mark session active: %w", err)
	}

	st := &state{
		id:            uuid.NewString(),
		userID:        userID,
		anchor:        now,
		initial:       initialSeconds,
		lastRemaining: initialSeconds,
		online:        true,
		stop:          make(chan struct{}),
	}
	m.cur = st

	st.wg.Add(2)
	go m.countdownLoop(st)
	go m.syncLoop(st)

	if aerr := m.armer.Arm(ctx, userID); aerr != nil {
		m.logger.Error().Err(aerr).Msg("Failed to arm print interception")
		m.bus.Publish(events.Event{
			Type:    events.ErrorOccurred,
			At:      now,
			Scope:   "printing",
			Message: aerr.Error(),
		})
	}

	metrics.SessionsStarted.Inc()
	metrics.SessionRemainingSeconds.Set(float64(initialSeconds))

	m.bus.Publish(events.Event{
		Type:             events.SessionStarted,
		At:               now,
		SessionID:        st.id,
		UserID:           userID,
		RemainingSeconds: initialSeconds,
	})

	m.logger.Info().
		Str("session_id", st.id).
		Str("user_id", userID).
		Int64("initial_seconds", initialSeconds).
		Msg("Session started")

	return nil
}

// countdownLoop re-evaluates the countdown on every tick until the
// session's stop channel closes.
func (m *Manager) countdownLoop(st *state) {
	defer st.wg.Done()
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evaluate(st)
		case <-st.stop:
			return
		}
	}
}

// evaluate recomputes remaining time and publishes the resulting
// events. Ticks that land inside the same display second are coalesced
// so subscribers see one update per second, not one per tick.
func (m *Manager) evaluate(st *state) {
	m.mu.Lock()
	if m.cur != st || m.ending {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	remaining, used := st.remainingAt(now)
	if remaining == st.lastRemaining && used == st.lastUsed {
		m.mu.Unlock()
		return
	}
	st.lastRemaining = remaining
	st.lastUsed = used

	warn5 := false
	if !st.warned5 && remaining > 0 && remaining <= WarnThreshold5Min {
		st.warned5 = true
		warn5 = true
	}
	warn1 := false
	if !st.warned1 && remaining > 0 && remaining <= WarnThreshold1Min {
		st.warned1 = true
		warn1 = true
	}
	sid, uid := st.id, st.userID
	m.mu.Unlock()

	metrics.SessionRemainingSeconds.Set(float64(remaining))
	m.bus.Publish(events.Event{
		Type:             events.TimeUpdated,
		At:               now,
		SessionID:        sid,
		UserID:           uid,
		RemainingSeconds: remaining,
		UsedSeconds:      used,
	})
	if warn5 {
		m.bus.Publish(events.Event{
			Type:             events.Warning5Min,
			At:               now,
			SessionID:        sid,
			UserID:           uid,
			RemainingSeconds: remaining,
		})
	}
	if warn1 {
		m.bus.Publish(events.Event{
			Type:             events.Warning1Min,
			At:               now,
			SessionID:        sid,
			UserID:           uid,
			RemainingSeconds: remaining,
		})
	}
	if remaining == 0 {
		m.enqueueEnd(ReasonExpired)
	}
}

// syncLoop writes remaining time to the remote store on every sync
// tick until the session's stop channel closes.
func (m *Manager) syncLoop(st *state) {
	defer st.wg.Done()
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.syncOnce(st)
		case <-st.stop:
			return
		}
	}
}

// syncOnce performs one heartbeat write. The remote call runs without
// the manager lock held; the result is applied only if the session is
// still the current one.
func (m *Manager) syncOnce(st *state) {
	m.mu.Lock()
	if m.cur != st || m.ending {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	remaining, _ := st.remainingAt(now)
	uid, sid := st.userID, st.id
	m.mu.Unlock()

	err := m.accounts.WriteRemaining(context.Background(), uid, remaining, now)

	m.mu.Lock()
	if m.cur != st || m.ending {
		m.mu.Unlock()
		return
	}
	if err != nil {
		st.syncFailures++
		failures := st.syncFailures
		wentOffline := false
		if failures == m.cfg.OfflineThreshold && st.online {
			st.online = false
			wentOffline = true
		}
		m.mu.Unlock()

		metrics.SyncFailures.Inc()
		m.logger.Warn().
			Err(err).
			Int("consecutive_failures", failures).
			Msg("Remote sync failed")
		if wentOffline {
			m.bus.Publish(events.Event{
				Type:      events.SyncFailed,
				At:        now,
				SessionID: sid,
				UserID:    uid,
				Message:   err.Error(),
			})
		}
		return
	}
	if st.syncFailures > 0 {
		st.syncFailures = 0
		st.online = true
		m.mu.Unlock()

		m.logger.Info().Msg("Remote sync restored")
		m.bus.Publish(events.Event{
			Type:      events.SyncRestored,
			At:        now,
			SessionID: sid,
			UserID:    uid,
		})
		return
	}
	m.mu.Unlock()
}

// End terminates the active session. Local teardown always completes;
// a failed final remote write is logged, surfaced as an event, and
// returned, but the manager still ends up idle.
func (m *Manager) End(ctx context.Context, reason EndReason) error {
	m.mu.Lock()
	st := m.cur
	if st == nil || m.ending {
		m.mu.Unlock()
		return ErrNotActive
	}
	m.ending = true
	close(st.stop)
	now := m.clk.Now()
	remaining, used := st.remainingAt(now)
	uid, sid := st.userID, st.id
	m.mu.Unlock()

	st.wg.Wait()
	m.armer.Disarm()

	writeErr := m.accounts.FinishSession(ctx, uid, remaining, now)
	if writeErr != nil {
		m.logger.Error().Err(writeErr).Str("session_id", sid).Msg("Final session write failed")
		m.bus.Publish(events.Event{
			Type:    events.ErrorOccurred,
			At:      now,
			Scope:   "session",
			Message: fmt.Sprintf("final session write failed: %v", writeErr),
		})
	}

	if cerr := m.cleaner.CloseBrowsers(ctx); cerr != nil {
		m.logger.Warn().Err(cerr).Msg("Post-session browser cleanup failed")
	}

	m.mu.Lock()
	m.cur = nil
	m.ending = false
	m.mu.Unlock()

	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	metrics.SessionRemainingSeconds.Set(0)

	m.bus.Publish(events.Event{
		Type:             events.SessionEnded,
		At:               now,
		SessionID:        sid,
		UserID:           uid,
		Reason:           string(reason),
		RemainingSeconds: remaining,
		UsedSeconds:      used,
	})

	m.logger.Info().
		Str("session_id", sid).
		Str("user_id", uid).
		Str("reason", string(reason)).
		Int64("remaining_seconds", remaining).
		Int64("used_seconds", used).
		Msg("Session ended")

	if writeErr != nil {
		return fmt.Errorf("final session write: %w", writeErr)
	}
	return nil
}

// RecoverOrphan releases a remote session record left active by a
// crashed kiosk. It reports true when a stale record was released.
// Remaining time is not touched; the user gets back whatever the last
// heartbeat recorded.
func (m *Manager) RecoverOrphan(ctx context.Context, userID string) (bool, error) {
	acct, err := m.accounts.Get(ctx, userID)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("orphan check: %w", err)
	}
	if !acct.SessionActive {
		return false, nil
	}

	now := m.clk.Now()
	age := now.Sub(acct.UpdatedAt)
	if age <= m.cfg.OrphanAge {
		return false, nil
	}

	if err := m.accounts.ReleaseOrphan(ctx, userID, now); err != nil {
		return false, fmt.Errorf("orphan release: %w", err)
	}

	m.logger.Info().
		Str("user_id", userID).
		Str("computer", acct.SessionComputer).
		Dur("heartbeat_age", age).
		Int64("remaining_seconds", acct.RemainingSeconds).
		Msg("Released orphaned session")

	return true, nil
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Status{}
	}
	st := m.cur
	remaining, used := st.remainingAt(m.clk.Now())
	return Status{
		Active:           true,
		SessionID:        st.id,
		UserID:           st.userID,
		RemainingSeconds: remaining,
		UsedSeconds:      used,
		Online:           st.online,
	}
}
