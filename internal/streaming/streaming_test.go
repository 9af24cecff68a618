package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("taskrunner-1", 4)
	defer m.Unsubscribe("taskrunner-1", ch)

	m.Publish("taskrunner-1", Event{Type: "status", Status: "running"})

	select {
	case evt := <-ch:
		assert.Equal(t, "taskrunner-1", evt.AgentID)
		assert.Equal(t, "running", evt.Status)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestSubscribersAreIsolatedByAgent(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("taskrunner-a", 4)
	defer m.Unsubscribe("taskrunner-a", ch)

	m.Publish("taskrunner-b", Event{Type: "status"})

	select {
	case <-ch:
		t.Fatal("received event for a different agent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("orchestrator-1", 1)
	defer m.Unsubscribe("orchestrator-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("orchestrator-1", Event{Type: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

// Publish runs on the relay goroutine while websocket handlers come
// and go; an unsubscribe must never race the fanout.
func TestPublishUnsubscribeConcurrently(t *testing.T) {
	m := NewManager(8)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		ch := m.Subscribe("taskrunner-1", 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.Publish("taskrunner-1", Event{Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			m.Unsubscribe("taskrunner-1", ch)
		}()
	}
	wg.Wait()
}

func TestReplaySince(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 6; i++ {
		m.Publish("monitor-1", Event{Type: "tick"})
	}

	// Seqs start at 1; the ring holds 4, so 3..6 survive.
	events := m.ReplaySince("monitor-1", 3)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(4), events[0].Seq)
	assert.Equal(t, uint64(5), events[1].Seq)
	assert.Equal(t, uint64(6), events[2].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestForgetClearsHistory(t *testing.T) {
	m := NewManager(4)
	m.Publish("taskrunner-1", Event{Type: "tick"})
	m.Forget("taskrunner-1")
	assert.Nil(t, m.ReplaySince("taskrunner-1", 0))
}
