package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sionyx/kioskd/internal/account"
	"github.com/sionyx/kioskd/internal/clock"
	"github.com/sionyx/kioskd/internal/events"
	"github.com/sionyx/kioskd/internal/remote"
)

var testBase = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type stubAccounts struct {
	mu            sync.Mutex
	acct          *account.Account
	getErr        error
	beginErr      error
	writeErr      error
	failNextWrite int
	finishErr     error

	begins       int
	writes       []int64
	failedWrites int
	finishes     []int64
	zeroed       int
	released     int
}

func (s *stubAccounts) Get(ctx context.Context, userID string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.acct == nil {
		return nil, remote.ErrNotFound
	}
	a := *s.acct
	return &a, nil
}

func (s *stubAccounts) BeginSession(ctx context.Context, userID, computerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return s.beginErr
	}
	s.begins++
	return nil
}

func (s *stubAccounts) WriteRemaining(ctx context.Context, userID string, remaining int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextWrite > 0 {
		s.failNextWrite--
		s.failedWrites++
		return errors.New("write refused")
	}
	if s.writeErr != nil {
		s.failedWrites++
		return s.writeErr
	}
	s.writes = append(s.writes, remaining)
	return nil
}

func (s *stubAccounts) FinishSession(ctx context.Context, userID string, remaining int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.finishes = append(s.finishes, remaining)
	return nil
}

func (s *stubAccounts) ZeroRemaining(ctx context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zeroed++
	return nil
}

func (s *stubAccounts) ReleaseOrphan(ctx context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *stubAccounts) setWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *stubAccounts) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func (s *stubAccounts) writeValues() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *stubAccounts) failedWriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedWrites
}

func (s *stubAccounts) finishValues() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.finishes))
	copy(out, s.finishes)
	return out
}

func (s *stubAccounts) zeroCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed
}

func (s *stubAccounts) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type stubArmer struct {
	mu      sync.Mutex
	err     error
	armed   []string
	disarms int
}

func (a *stubArmer) Arm(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.armed = append(a.armed, userID)
	return nil
}

func (a *stubArmer) Disarm() {
	a.mu.Lock()
	a.disarms++
	a.mu.Unlock()
}

type stubCleaner struct {
	mu       sync.Mutex
	err      error
	kills    int
	browsers int
}

func (c *stubCleaner) KillUserProcesses(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills++
	return c.err
}

func (c *stubCleaner) CloseBrowsers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browsers++
	return c.err
}

func setupManager(t *testing.T, accounts *stubAccounts, armer Armer, cleaner Cleaner) (*Manager, *clock.TestClock, <-chan events.Event) {
	t.Helper()
	clk := clock.NewTestClock(testBase)
	bus := events.NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(256)
	cfg := Config{
		ComputerID:   "kiosk-01",
		TickInterval: 5 * time.Millisecond,
		SyncInterval: 15 * time.Millisecond,
	}
	m := New(accounts, armer, cleaner, bus, clk, cfg, zerolog.Nop())
	t.Cleanup(func() {
		_ = m.End(context.Background(), ReasonLogout)
		m.Close()
		cancel()
	})
	return m, clk, ch
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func expectNoEvent(t *testing.T, ch <-chan events.Event, typ events.Type, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_StartEmitsSessionStarted(t *testing.T) {
	accounts := &stubAccounts{}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := waitEvent(t, ch, events.SessionStarted)
	if ev.UserID != "u1" || ev.RemainingSeconds != 3600 {
		t.Errorf("SessionStarted = %+v, want user u1 with 3600s", ev)
	}
	if ev.SessionID == "" {
		t.Error("SessionStarted has empty session id")
	}
	if accounts.beginCount() != 1 {
		t.Errorf("BeginSession called %d times, want 1", accounts.beginCount())
	}

	st := m.Status()
	if !st.Active || st.UserID != "u1" || !st.Online {
		t.Errorf("Status = %+v, want active online session for u1", st)
	}
}

func TestManager_StartWhileActive(t *testing.T) {
	accounts := &stubAccounts{}
	m, _, _ := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background(), "u2", 100); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start: err = %v, want ErrAlreadyActive", err)
	}
	if accounts.beginCount() != 1 {
		t.Errorf("BeginSession called %d times, want 1", accounts.beginCount())
	}
}

func TestManager_StartRejectsNoTime(t *testing.T) {
	accounts := &stubAccounts{}
	m, _, _ := setupManager(t, accounts, nil, nil)

	for _, secs := range []int64{0, -5} {
		if err := m.Start(context.Background(), "u1", secs); !errors.Is(err, ErrNoTime) {
			t.Errorf("Start(%d): err = %v, want ErrNoTime", secs, err)
		}
	}
	if accounts.beginCount() != 0 {
		t.Error("BeginSession must not be called for a refused start")
	}
}

func TestManager_StartExpiredAccount(t *testing.T) {
	accounts := &stubAccounts{acct: &account.Account{
		UserID:           "u1",
		RemainingSeconds: 3600,
		ExpiresAt:        testBase.Add(-24 * time.Hour),
	}}
	m, _, _ := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); !errors.Is(err, ErrTimeExpired) {
		t.Fatalf("Start: err = %v, want ErrTimeExpired", err)
	}
	if accounts.zeroCount() != 1 {
		t.Errorf("ZeroRemaining called %d times, want 1", accounts.zeroCount())
	}
	if accounts.beginCount() != 0 {
		t.Error("BeginSession must not be called for an expired account")
	}
	if m.Status().Active {
		t.Error("manager must stay idle after a refused start")
	}
}

func TestManager_StartBeginWriteFailure(t *testing.T) {
	accounts := &stubAccounts{beginErr: errors.New("store down")}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err == nil {
		t.Fatal("Start succeeded despite failed remote write")
	}
	if m.Status().Active {
		t.Error("manager must stay idle when the begin write fails")
	}
	expectNoEvent(t, ch, events.SessionStarted, 30*time.Millisecond)
}

func TestManager_CountdownTracksClock(t *testing.T) {
	accounts := &stubAccounts{}
	m, clk, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 10); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	clk.Advance(time.Second)
	ev := waitEvent(t, ch, events.TimeUpdated)
	if ev.RemainingSeconds != 9 || ev.UsedSeconds != 1 {
		t.Errorf("after 1s: remaining %d used %d, want 9/1", ev.RemainingSeconds, ev.UsedSeconds)
	}

	// A jump over several seconds lands on the derived value instead of
	// decrementing through the gap.
	clk.Advance(3 * time.Second)
	ev = waitEvent(t, ch, events.TimeUpdated)
	if ev.RemainingSeconds != 6 || ev.UsedSeconds != 4 {
		t.Errorf("after 4s: remaining %d used %d, want 6/4", ev.RemainingSeconds, ev.UsedSeconds)
	}
}

func TestManager_CoalescesUnchangedTicks(t *testing.T) {
	accounts := &stubAccounts{}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	// Clock frozen: many ticks pass, the displayed second never changes.
	expectNoEvent(t, ch, events.TimeUpdated, 50*time.Millisecond)
}

func TestManager_WarningsFireOnce(t *testing.T) {
	accounts := &stubAccounts{}
	m, clk, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 301); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	clk.Advance(time.Second)
	ev := waitEvent(t, ch, events.Warning5Min)
	if ev.RemainingSeconds != 300 {
		t.Errorf("Warning5Min at %ds remaining, want 300", ev.RemainingSeconds)
	}

	clk.Advance(time.Second)
	expectNoEvent(t, ch, events.Warning5Min, 30*time.Millisecond)

	clk.Advance(239 * time.Second)
	ev = waitEvent(t, ch, events.Warning1Min)
	if ev.RemainingSeconds != 60 {
		t.Errorf("Warning1Min at %ds remaining, want 60", ev.RemainingSeconds)
	}

	clk.Advance(time.Second)
	expectNoEvent(t, ch, events.Warning1Min, 30*time.Millisecond)
}

func TestManager_ExpiryEndsSession(t *testing.T) {
	accounts := &stubAccounts{}
	m, clk, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	clk.Advance(5 * time.Second)

	var sawWarning bool
	var ended events.Event
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.Warning5Min, events.Warning1Min:
				sawWarning = true
			case events.SessionEnded:
				ended = ev
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for SessionEnded")
		}
	}

	if ended.Reason != string(ReasonExpired) {
		t.Errorf("end reason = %q, want %q", ended.Reason, ReasonExpired)
	}
	if ended.RemainingSeconds != 0 || ended.UsedSeconds != 2 {
		t.Errorf("SessionEnded remaining %d used %d, want 0/2", ended.RemainingSeconds, ended.UsedSeconds)
	}
	if sawWarning {
		t.Error("warnings must not fire on the tick that expires the session")
	}
	if m.Status().Active {
		t.Error("manager still active after expiry")
	}

	finishes := accounts.finishValues()
	if len(finishes) != 1 || finishes[0] != 0 {
		t.Errorf("FinishSession writes = %v, want [0]", finishes)
	}
}

func TestManager_EndByUser(t *testing.T) {
	accounts := &stubAccounts{}
	m, clk, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	started := waitEvent(t, ch, events.SessionStarted)

	clk.Advance(10 * time.Second)
	if err := m.End(context.Background(), ReasonUser); err != nil {
		t.Fatalf("End: %v", err)
	}

	ended := waitEvent(t, ch, events.SessionEnded)
	if ended.Reason != string(ReasonUser) {
		t.Errorf("end reason = %q, want %q", ended.Reason, ReasonUser)
	}
	if ended.SessionID != started.SessionID {
		t.Errorf("end session id %q does not match start %q", ended.SessionID, started.SessionID)
	}
	if ended.RemainingSeconds != 3590 || ended.UsedSeconds != 10 {
		t.Errorf("SessionEnded remaining %d used %d, want 3590/10", ended.RemainingSeconds, ended.UsedSeconds)
	}

	finishes := accounts.finishValues()
	if len(finishes) != 1 || finishes[0] != 3590 {
		t.Errorf("FinishSession writes = %v, want [3590]", finishes)
	}
	if m.Status().Active {
		t.Error("manager still active after End")
	}
}

func TestManager_EndNotActive(t *testing.T) {
	m, _, _ := setupManager(t, &stubAccounts{}, nil, nil)
	if err := m.End(context.Background(), ReasonUser); !errors.Is(err, ErrNotActive) {
		t.Errorf("End: err = %v, want ErrNotActive", err)
	}
}

func TestManager_EndFinalWriteFailure(t *testing.T) {
	accounts := &stubAccounts{finishErr: errors.New("store down")}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	err := m.End(context.Background(), ReasonUser)
	if err == nil || errors.Is(err, ErrNotActive) {
		t.Fatalf("End: err = %v, want final write error", err)
	}

	var sawError bool
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.ErrorOccurred:
				sawError = true
			case events.SessionEnded:
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for SessionEnded")
		}
	}
	if !sawError {
		t.Error("final write failure must surface an ErrorOccurred event")
	}
	if m.Status().Active {
		t.Error("session must end locally even when the final write fails")
	}
}

func TestManager_SyncHeartbeats(t *testing.T) {
	accounts := &stubAccounts{}
	m, clk, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	waitFor(t, func() bool { return len(accounts.writeValues()) >= 2 }, "no heartbeat writes observed")
	for _, v := range accounts.writeValues() {
		if v != 3600 {
			t.Errorf("heartbeat wrote %d with a frozen clock, want 3600", v)
		}
	}

	clk.Advance(60 * time.Second)
	waitFor(t, func() bool {
		vals := accounts.writeValues()
		return len(vals) > 0 && vals[len(vals)-1] == 3540
	}, "heartbeat never caught up with the advanced clock")
}

func TestManager_SyncFailureThreshold(t *testing.T) {
	accounts := &stubAccounts{}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	accounts.setWriteErr(errors.New("store down"))

	ev := waitEvent(t, ch, events.SyncFailed)
	if ev.Message == "" {
		t.Error("SyncFailed carries no message")
	}
	if m.Status().Online {
		t.Error("session still reported online after the offline threshold")
	}

	// Failures beyond the threshold stay silent.
	expectNoEvent(t, ch, events.SyncFailed, 60*time.Millisecond)

	accounts.setWriteErr(nil)
	waitEvent(t, ch, events.SyncRestored)
	if !m.Status().Online {
		t.Error("session not reported online after sync recovery")
	}
}

func TestManager_OfflineOnThirdFailure(t *testing.T) {
	accounts := &stubAccounts{failNextWrite: 3}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	waitEvent(t, ch, events.SyncFailed)
	// Only three writes ever fail, so the count cannot move after the
	// event: the transition happened on exactly the third failure.
	if got := accounts.failedWriteCount(); got != 3 {
		t.Errorf("sync_failed after %d failed writes, want 3", got)
	}

	waitEvent(t, ch, events.SyncRestored)
	if !m.Status().Online {
		t.Error("session not reported online after recovery")
	}
}

func TestManager_SyncRestoredBelowThreshold(t *testing.T) {
	accounts := &stubAccounts{failNextWrite: 2}
	m, _, ch := setupManager(t, accounts, nil, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.SyncFailed:
				t.Fatal("SyncFailed fired below the offline threshold")
			case events.SyncRestored:
				if !m.Status().Online {
					t.Error("session not online after recovery")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SyncRestored")
		}
	}
}

func TestManager_RecoverOrphan(t *testing.T) {
	tests := []struct {
		name         string
		acct         *account.Account
		want         bool
		wantReleased int
	}{
		{
			name: "stale heartbeat released",
			acct: &account.Account{
				UserID:           "u1",
				SessionActive:    true,
				SessionComputer:  "kiosk-07",
				RemainingSeconds: 1200,
				UpdatedAt:        testBase.Add(-300 * time.Second),
			},
			want:         true,
			wantReleased: 1,
		},
		{
			name: "fresh heartbeat untouched",
			acct: &account.Account{
				UserID:        "u1",
				SessionActive: true,
				UpdatedAt:     testBase.Add(-30 * time.Second),
			},
		},
		{
			name: "no active session",
			acct: &account.Account{
				UserID:    "u1",
				UpdatedAt: testBase.Add(-300 * time.Second),
			},
		},
		{
			name: "missing record",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &stubAccounts{acct: tt.acct}
			m, _, _ := setupManager(t, accounts, nil, nil)

			got, err := m.RecoverOrphan(context.Background(), "u1")
			if err != nil {
				t.Fatalf("RecoverOrphan: %v", err)
			}
			if got != tt.want {
				t.Errorf("RecoverOrphan = %v, want %v", got, tt.want)
			}
			if accounts.releaseCount() != tt.wantReleased {
				t.Errorf("ReleaseOrphan called %d times, want %d", accounts.releaseCount(), tt.wantReleased)
			}
		})
	}
}

func TestManager_ArmsAndDisarmsPrinting(t *testing.T) {
	armer := &stubArmer{}
	m, _, ch := setupManager(t, &stubAccounts{}, armer, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)

	armer.mu.Lock()
	armed := append([]string(nil), armer.armed...)
	armer.mu.Unlock()
	if len(armed) != 1 || armed[0] != "u1" {
		t.Errorf("armed = %v, want [u1]", armed)
	}

	if err := m.End(context.Background(), ReasonUser); err != nil {
		t.Fatalf("End: %v", err)
	}
	armer.mu.Lock()
	disarms := armer.disarms
	armer.mu.Unlock()
	if disarms != 1 {
		t.Errorf("Disarm called %d times, want 1", disarms)
	}
}

func TestManager_ArmFailureDoesNotAbortStart(t *testing.T) {
	armer := &stubArmer{err: errors.New("spooler unreachable")}
	m, _, ch := setupManager(t, &stubAccounts{}, armer, nil)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := waitEvent(t, ch, events.ErrorOccurred)
	if ev.Scope != "printing" {
		t.Errorf("ErrorOccurred scope = %q, want printing", ev.Scope)
	}
	if !m.Status().Active {
		t.Error("session must run even when print interception fails to arm")
	}
}

func TestManager_CleanerHooks(t *testing.T) {
	cleaner := &stubCleaner{err: errors.New("access denied")}
	m, _, ch := setupManager(t, &stubAccounts{}, nil, cleaner)

	if err := m.Start(context.Background(), "u1", 3600); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, ch, events.SessionStarted)
	if err := m.End(context.Background(), ReasonUser); err != nil {
		t.Fatalf("End: %v", err)
	}

	cleaner.mu.Lock()
	kills, browsers := cleaner.kills, cleaner.browsers
	cleaner.mu.Unlock()
	if kills != 1 {
		t.Errorf("KillUserProcesses called %d times, want 1", kills)
	}
	if browsers != 1 {
		t.Errorf("CloseBrowsers called %d times, want 1", browsers)
	}
}
