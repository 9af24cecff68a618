package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by non-blocking pops on an empty queue.
var ErrEmpty = errors.New("queue empty")

const (
	commandKeyPrefix = "hiveplane:ipc:cmd:"
	eventKeyPrefix   = "hiveplane:ipc:evt:"
)

// Pair is the two unidirectional queues connecting the supervisor to
// one worker: commands flow down, events flow up. Each queue is a
// Redis list, so ordering is FIFO per queue; there is no ordering
// guarantee across different workers.
type Pair struct {
	Commands *CommandQueue
	Events   *EventQueue
}

// NewPair returns the queue pair for one agent id.
func NewPair(rdb redis.UniversalClient, agentID string) Pair {
	return Pair{
		Commands: &CommandQueue{q: queue{rdb: rdb, key: commandKeyPrefix + agentID}},
		Events:   &EventQueue{q: queue{rdb: rdb, key: eventKeyPrefix + agentID}},
	}
}

// Purge deletes both queues for an agent id. Called on remove and on
// critical-steer respawn so a new incarnation never sees stale
// messages.
func Purge(ctx context.Context, rdb redis.UniversalClient, agentID string) error {
	if err := rdb.Del(ctx, commandKeyPrefix+agentID, eventKeyPrefix+agentID).Err(); err != nil {
		return fmt.Errorf("purge queues for %s: %w", agentID, err)
	}
	return nil
}

type queue struct {
	rdb redis.UniversalClient
	key string
}

func (q *queue) push(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", q.key, err)
	}
	return nil
}

// pop removes the oldest message without blocking.
func (q *queue) pop(ctx context.Context) ([]byte, error) {
	data, err := q.rdb.RPop(ctx, q.key).Bytes()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", q.key, err)
	}
	return data, nil
}

// popWait blocks up to timeout for the oldest message.
func (q *queue) popWait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("blocking pop from %s: %w", q.key, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply from %s", q.key)
	}
	return []byte(res[1]), nil
}

// CommandQueue carries supervisor-to-worker commands.
type CommandQueue struct {
	q queue
}

// Push appends a command, stamping SentAt.
func (c *CommandQueue) Push(ctx context.Context, cmd Command) error {
	cmd.SentAt = time.Now().UTC()
	return c.q.push(ctx, cmd)
}

// Pop removes the oldest command without blocking; ErrEmpty when none.
func (c *CommandQueue) Pop(ctx context.Context) (*Command, error) {
	data, err := c.q.pop(ctx)
	if err != nil {
		return nil, err
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &cmd, nil
}

// PopWait blocks up to timeout for the oldest command.
func (c *CommandQueue) PopWait(ctx context.Context, timeout time.Duration) (*Command, error) {
	data, err := c.q.popWait(ctx, timeout)
	if err != nil {
		return nil, err
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &cmd, nil
}

// EventQueue carries worker-to-supervisor events.
type EventQueue struct {
	q queue
}

// Push appends an event, stamping SentAt.
func (e *EventQueue) Push(ctx context.Context, evt Event) error {
	evt.SentAt = time.Now().UTC()
	return e.q.push(ctx, evt)
}

// Pop removes the oldest event without blocking; ErrEmpty when none.
func (e *EventQueue) Pop(ctx context.Context) (*Event, error) {
	data, err := e.q.pop(ctx)
	if err != nil {
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &evt, nil
}
