package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one observable moment in an agent's life, fanned out to
// in-process subscribers and the websocket boundary. Delivery to
// viewers is best-effort; slow subscribers are dropped, not blocked on.
type Event struct {
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Manager provides in-memory pub/sub of agent events with a small
// per-agent replay buffer.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager returns a manager whose per-agent replay rings hold
// capacity events (a default is applied when <= 0).
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for an agent id; the caller must
// drain it and call Unsubscribe when finished.
func (m *Manager) Subscribe(agentID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[agentID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[agentID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(agentID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[agentID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, agentID)
		}
	}
}

// Publish assigns a sequence number, records the event in the replay
// ring, and sends it to all subscribers without blocking. The lock is
// held across the sends so a concurrent Unsubscribe cannot close a
// channel mid-fanout; the sends never block, so holding it is cheap.
func (m *Manager) Publish(agentID string, evt Event) {
	evt.AgentID = agentID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[agentID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[agentID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[agentID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort
// within ring capacity.
func (m *Manager) ReplaySince(agentID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[agentID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay ring for an agent id. Called on remove so a
// respawned id starts with a clean history.
func (m *Manager) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, agentID)
}

// Marshal returns the event as JSON for the websocket boundary.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so "since 0" replays everything.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
