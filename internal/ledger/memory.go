package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps attempts in process. It is meant for tests and single-instance demos;
// attempts are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	attempts []Attempt
	now      func() time.Time
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// NewMemoryWithClock is NewMemory with an injectable clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{now: now}
}

func (m *Memory) Record(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Timestamp = m.now()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) CountSince(_ context.Context, identity string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.Identity == identity && !a.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// Attempts returns a copy of everything recorded so far.
func (m *Memory) Attempts() []Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Attempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// Seed appends an attempt with a caller-chosen timestamp. Used to set up history.
func (m *Memory) Seed(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.attempts = append(m.attempts, a)
}
