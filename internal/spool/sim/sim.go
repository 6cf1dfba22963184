// Package sim provides an in-memory print spooler used by tests and
// by seats running without a platform spooler backend.
//
// Jobs are submitted directly into named queues and can be given a
// sequence of page readings so successive Job calls observe a document
// that is still being spooled. Per-verb failure switches inject the
// fault paths a real spooler produces under load.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sionyx/kioskd/internal/spool"
)

var errNotificationClosed = errors.New("sim: notification closed")

// Spooler is an in-memory spool.Spooler. The zero value is not usable;
// call New.
type Spooler struct {
	mu     sync.Mutex
	queues map[string]*queue
	names  []string
	nextID uint32
	subs   []*Notification

	failPause  bool
	failResume bool
	failCancel bool
	failList   bool
	failQueues map[string]bool
}

type queue struct {
	jobs  map[uint32]*job
	order []uint32
}

type job struct {
	info     spool.JobInfo
	readings []int
	reads    int
	paused   bool
}

// New returns an empty spooler with no printers.
func New() *Spooler {
	return &Spooler{
		queues:     make(map[string]*queue),
		failQueues: make(map[string]bool),
	}
}

// AddPrinter registers an empty queue under the given name. Adding an
// existing printer is a no-op.
func (s *Spooler) AddPrinter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(name)
}

func (s *Spooler) ensureLocked(name string) *queue {
	q, ok := s.queues[name]
	if !ok {
		q = &queue{jobs: make(map[uint32]*job)}
		s.queues[name] = q
		s.names = append(s.names, name)
	}
	return q
}

// Submit queues a job and returns its assigned id. The optional
// readings are the successive Pages values surfaced by Job calls; the
// last reading repeats once exhausted. With no readings, Job always
// reports info.Pages.
func (s *Spooler) Submit(printer string, info spool.JobInfo, readings ...int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.submitLocked(printer, id, info, readings)
	return id
}

// SubmitWithID queues a job under a caller-chosen id, replacing any
// job already queued under it. Spoolers recycle ids, so tests use this
// to replay an id the monitor has already seen.
func (s *Spooler) SubmitWithID(printer string, id uint32, info spool.JobInfo, readings ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitLocked(printer, id, info, readings)
}

func (s *Spooler) submitLocked(printer string, id uint32, info spool.JobInfo, readings []int) {
	q := s.ensureLocked(printer)
	info.ID = id
	if _, ok := q.jobs[id]; !ok {
		q.order = append(q.order, id)
	}
	q.jobs[id] = &job{info: info, readings: readings}
	s.notifyLocked()
}

// Remove deletes a job as if it finished printing or was cancelled
// from the system UI.
func (s *Spooler) Remove(printer string, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[printer]
	if !ok {
		return
	}
	if _, ok := q.jobs[id]; !ok {
		return
	}
	q.drop(id)
	s.notifyLocked()
}

// Has reports whether the job is still queued.
func (s *Spooler) Has(printer string, id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[printer]
	if !ok {
		return false
	}
	_, ok = q.jobs[id]
	return ok
}

// Paused reports whether the job is queued and currently paused.
func (s *Spooler) Paused(printer string, id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[printer]
	if !ok {
		return false
	}
	j, ok := q.jobs[id]
	return ok && j.paused
}

// FailPause makes subsequent Pause calls fail until cleared.
func (s *Spooler) FailPause(v bool) {
	s.mu.Lock()
	s.failPause = v
	s.mu.Unlock()
}

// FailResume makes subsequent Resume calls fail until cleared.
func (s *Spooler) FailResume(v bool) {
	s.mu.Lock()
	s.failResume = v
	s.mu.Unlock()
}

// FailCancel makes subsequent Cancel calls fail until cleared.
func (s *Spooler) FailCancel(v bool) {
	s.mu.Lock()
	s.failCancel = v
	s.mu.Unlock()
}

// FailPrinters makes subsequent Printers calls fail until cleared.
func (s *Spooler) FailPrinters(v bool) {
	s.mu.Lock()
	s.failList = v
	s.mu.Unlock()
}

// FailQueue makes JobIDs fail for one printer until cleared.
func (s *Spooler) FailQueue(printer string, v bool) {
	s.mu.Lock()
	s.failQueues[printer] = v
	s.mu.Unlock()
}

func (q *queue) drop(id uint32) {
	delete(q.jobs, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Printers implements spool.Spooler.
func (s *Spooler) Printers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		return nil, errors.New("sim: printer enumeration failed")
	}
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out, nil
}

// JobIDs implements spool.Spooler.
func (s *Spooler) JobIDs(ctx context.Context, printer string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueues[printer] {
		return nil, fmt.Errorf("sim: queue %s unavailable", printer)
	}
	q, ok := s.queues[printer]
	if !ok {
		return nil, fmt.Errorf("sim: unknown printer %q", printer)
	}
	out := make([]uint32, len(q.order))
	copy(out, q.order)
	return out, nil
}

// Job implements spool.Spooler. Each call consumes the next page
// reading configured at submit time.
func (s *Spooler) Job(ctx context.Context, printer string, id uint32) (*spool.JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookupLocked(printer, id)
	if err != nil {
		return nil, err
	}
	info := j.info
	if len(j.readings) > 0 {
		idx := j.reads
		if idx >= len(j.readings) {
			idx = len(j.readings) - 1
		}
		info.Pages = j.readings[idx]
		j.reads++
	}
	return &info, nil
}

// Pause implements spool.Spooler.
func (s *Spooler) Pause(ctx context.Context, printer string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPause {
		return errors.New("sim: pause refused")
	}
	j, err := s.lookupLocked(printer, id)
	if err != nil {
		return err
	}
	j.paused = true
	s.notifyLocked()
	return nil
}

// Resume implements spool.Spooler.
func (s *Spooler) Resume(ctx context.Context, printer string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failResume {
		return errors.New("sim: resume refused")
	}
	j, err := s.lookupLocked(printer, id)
	if err != nil {
		return err
	}
	j.paused = false
	s.notifyLocked()
	return nil
}

// Cancel implements spool.Spooler.
func (s *Spooler) Cancel(ctx context.Context, printer string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCancel {
		return errors.New("sim: cancel refused")
	}
	if _, err := s.lookupLocked(printer, id); err != nil {
		return err
	}
	s.queues[printer].drop(id)
	s.notifyLocked()
	return nil
}

func (s *Spooler) lookupLocked(printer string, id uint32) (*job, error) {
	q, ok := s.queues[printer]
	if !ok {
		return nil, spool.ErrJobNotFound
	}
	j, ok := q.jobs[id]
	if !ok {
		return nil, spool.ErrJobNotFound
	}
	return j, nil
}

// Subscribe implements spool.Spooler.
func (s *Spooler) Subscribe() (spool.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &Notification{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.subs = append(s.subs, n)
	return n, nil
}

func (s *Spooler) notifyLocked() {
	for _, n := range s.subs {
		select {
		case n.ch <- struct{}{}:
		default:
		}
	}
}

// Notification signals queue changes to one subscriber. Signals
// coalesce; a burst of changes may surface as a single wakeup.
type Notification struct {
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

// Wait implements spool.Notification.
func (n *Notification) Wait(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.done:
		return false, errNotificationClosed
	case <-n.ch:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// Close implements spool.Notification.
func (n *Notification) Close() error {
	n.once.Do(func() { close(n.done) })
	return nil
}
