package main

import (
	"sync"
	"time"

	"github.com/cwsl/vizctl/vizstate"
)

// MutationEvent is the JSON view of a mutation handle
type MutationEvent struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Target     string      `json:"target"`
	Value      interface{} `json:"value"`
	State      string      `json:"state"`
	Error      string      `json:"error,omitempty"`
	Started    time.Time   `json:"started"`
	DurationMS float64     `json:"duration_ms,omitempty"`
}

func newMutationEvent(m *vizstate.PendingMutation) MutationEvent {
	ev := MutationEvent{
		ID:         m.ID.String(),
		Kind:       string(m.Kind),
		Target:     m.Target,
		Value:      m.Value,
		State:      m.State().String(),
		Started:    m.Started,
		DurationMS: float64(m.Duration().Microseconds()) / 1000,
	}
	if err := m.Err(); err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// HubMessage is pushed to every websocket subscriber
type HubMessage struct {
	Type     string             `json:"type"`
	Mutation *MutationEvent     `json:"mutation,omitempty"`
	State    *vizstate.Snapshot `json:"state,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// StateHub fans mutation events and state snapshots out to websocket
// subscribers. Slow subscribers miss messages instead of blocking the
// pipeline.
type StateHub struct {
	subMu       sync.RWMutex
	subscribers map[chan HubMessage]bool
	metrics     *PrometheusMetrics
}

// NewStateHub creates an empty hub
func NewStateHub(metrics *PrometheusMetrics) *StateHub {
	return &StateHub{
		subscribers: make(map[chan HubMessage]bool),
		metrics:     metrics,
	}
}

// Subscribe adds a subscriber
func (h *StateHub) Subscribe() chan HubMessage {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	ch := make(chan HubMessage, 32)
	h.subscribers[ch] = true
	h.metrics.SetWebSocketClients(len(h.subscribers))
	return ch
}

// Unsubscribe removes a subscriber
func (h *StateHub) Unsubscribe(ch chan HubMessage) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.metrics.SetWebSocketClients(len(h.subscribers))
}

// Broadcast sends a message to all subscribers
func (h *StateHub) Broadcast(msg HubMessage) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()

	for ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			// Subscriber's channel is full, skip
		}
	}
}

// BroadcastState pushes a full snapshot
func (h *StateHub) BroadcastState(snap vizstate.Snapshot) {
	h.Broadcast(HubMessage{Type: "state", State: &snap})
}

// MutationStarted implements vizstate.MutationObserver
func (h *StateHub) MutationStarted(m *vizstate.PendingMutation) {
	ev := newMutationEvent(m)
	h.Broadcast(HubMessage{Type: "mutation_started", Mutation: &ev})
}

// MutationSettled implements vizstate.MutationObserver
func (h *StateHub) MutationSettled(m *vizstate.PendingMutation, snap vizstate.Snapshot) {
	ev := newMutationEvent(m)
	h.Broadcast(HubMessage{Type: "mutation_settled", Mutation: &ev, State: &snap})
}

// Close drops every subscriber
func (h *StateHub) Close() {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan HubMessage]bool)
	h.metrics.SetWebSocketClients(0)
}
