package vizstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationState is the lifecycle of one request: pending, then confirmed or
// failed.
type MutationState int

const (
	StatePending MutationState = iota
	StateConfirmed
	StateFailed
)

func (s MutationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// MutationKind says which remote mutation a handle tracks.
type MutationKind string

const (
	KindParameter MutationKind = "params"
	KindFilter    MutationKind = "filter"
	KindRawFilter MutationKind = "rawFilter"
)

// PendingMutation is the handle returned by every pipeline edit. The
// optimistic merge has already happened when the caller receives it.
type PendingMutation struct {
	ID      uuid.UUID
	Kind    MutationKind
	Target  string
	Value   interface{}
	Started time.Time

	mu       sync.Mutex
	state    MutationState
	err      error
	finished time.Time
	done     chan struct{}
}

func newPendingMutation(kind MutationKind, target string, value interface{}) *PendingMutation {
	return &PendingMutation{
		ID:      uuid.New(),
		Kind:    kind,
		Target:  target,
		Value:   value,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
}

// failedMutation builds a handle that never reached the service.
func failedMutation(kind MutationKind, target string, value interface{}, err error) *PendingMutation {
	m := newPendingMutation(kind, target, value)
	m.settle(err)
	return m
}

func (m *PendingMutation) settle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePending {
		return
	}
	if err != nil {
		m.state = StateFailed
		m.err = &MutationError{Target: m.Target, Value: m.Value, Err: err}
	} else {
		m.state = StateConfirmed
	}
	m.finished = time.Now()
	close(m.done)
}

// Done is closed once the mutation is confirmed or failed.
func (m *PendingMutation) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the mutation settles or ctx ends. Giving up on the wait
// does not cancel the request.
func (m *PendingMutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (m *PendingMutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure, or nil while pending or once confirmed.
func (m *PendingMutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Duration is the time from start to settle, or zero while pending.
func (m *PendingMutation) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished.IsZero() {
		return 0
	}
	return m.finished.Sub(m.Started)
}

// MutationObserver is told about every mutation when it starts and when it
// settles. Calls happen on the goroutine that drives the mutation and must
// not block.
type MutationObserver interface {
	MutationStarted(m *PendingMutation)
	MutationSettled(m *PendingMutation, snap Snapshot)
}
