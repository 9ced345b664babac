// Package displaymanager implements §4.5's DisplayManager: the thin root
// owner of every configured Seat. It adds no policy of its own beyond
// seat bookkeeping and the exit-on-failure contract.
//
// Grounded in internal/sessionbroker.Broker's RWMutex-guarded map plus
// add/remove-returning-bool methods, narrowed from "sessions keyed by ID"
// to "seats in an ordered slice" since §4.5 exposes get_seats() as a
// sequence, not a lookup.
package displaymanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightseat/logind-core/internal/logging"
)

var log = logging.L("displaymanager")

// Seat is the subset of *seat.Seat's surface DisplayManager drives, kept
// as an interface so tests can supply a fake without a real display
// backend.
type Seat interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

// entry pairs a Seat with whether its unexpected stop should take the
// daemon down (§4.5's exit-on-failure property).
type entry struct {
	seat          Seat
	exitOnFailure bool
}

// DisplayManager owns the configured Seats and reports when all of them
// have stopped.
type DisplayManager struct {
	mu       sync.RWMutex
	seats    []entry
	stopping bool
	stopped  bool
	stoppedC chan struct{}
	stopOnce sync.Once

	exitMu   sync.Mutex
	exitCode int
	failed   bool
}

// New returns an empty DisplayManager.
func New() *DisplayManager {
	return &DisplayManager{stoppedC: make(chan struct{})}
}

// AddSeat implements add_seat(seat) → bool: starts the seat and tracks it.
// Returns false if a seat with the same name is already registered.
func (m *DisplayManager) AddSeat(ctx context.Context, s Seat, exitOnFailure bool) (bool, error) {
	m.mu.Lock()
	for _, e := range m.seats {
		if e.seat.Name() == s.Name() {
			m.mu.Unlock()
			return false, nil
		}
	}
	m.seats = append(m.seats, entry{seat: s, exitOnFailure: exitOnFailure})
	m.mu.Unlock()

	log.Info("seat added", "seat", s.Name())
	if err := s.Start(ctx); err != nil {
		m.RemoveSeat(s.Name())
		return false, fmt.Errorf("start seat %s: %w", s.Name(), err)
	}

	go m.watchSeat(s, exitOnFailure)
	return true, nil
}

// RemoveSeat drops a seat from the managed set without stopping it —
// callers that want a clean shutdown should call Stop on the seat first.
func (m *DisplayManager) RemoveSeat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.seats {
		if e.seat.Name() == name {
			m.seats = append(m.seats[:i], m.seats[i+1:]...)
			return
		}
	}
}

// GetSeats returns a snapshot of the managed seats.
func (m *DisplayManager) GetSeats() []Seat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Seat, len(m.seats))
	for i, e := range m.seats {
		out[i] = e.seat
	}
	return out
}

// Stop initiates an orderly shutdown of every managed seat. Idempotent.
func (m *DisplayManager) Stop() {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	seats := make([]entry, len(m.seats))
	copy(seats, m.seats)
	m.mu.Unlock()

	if len(seats) == 0 {
		m.checkStopped()
		return
	}
	for _, e := range seats {
		e.seat.Stop()
	}
}

// Done closes once every managed seat has emitted stopped (§4.5's
// invariant: "stopped is emitted after each constituent Seat has emitted
// stopped").
func (m *DisplayManager) Done() <-chan struct{} { return m.stoppedC }

// Failed reports whether the daemon should exit with a failure code,
// and the code to use, once Done() has closed.
func (m *DisplayManager) Failed() (bool, int) {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	return m.failed, m.exitCode
}

func (m *DisplayManager) watchSeat(s Seat, exitOnFailure bool) {
	<-s.Done()

	m.mu.Lock()
	wasStopping := m.stopping
	for i, e := range m.seats {
		if e.seat == s {
			m.seats = append(m.seats[:i], m.seats[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	log.Info("seat stopped", "seat", s.Name())

	if exitOnFailure && !wasStopping {
		m.exitMu.Lock()
		if !m.failed {
			m.failed = true
			m.exitCode = 1
			log.Error("exit-on-failure seat stopped, shutting down", "seat", s.Name())
		}
		m.exitMu.Unlock()
		m.Stop()
	}

	m.checkStopped()
}

func (m *DisplayManager) checkStopped() {
	m.mu.Lock()
	stopping := m.stopping
	empty := len(m.seats) == 0
	already := m.stopped
	if stopping && empty && !already {
		m.stopped = true
	}
	shouldFire := stopping && empty && !already
	m.mu.Unlock()

	if shouldFire {
		m.stopOnce.Do(func() {
			close(m.stoppedC)
		})
	}
}
