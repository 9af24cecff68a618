package ipc

import "time"

// Urgency grades a steer directive.
type Urgency string

const (
	// UrgencyPriority is delivered into the live agent's steer slot and
	// consumed at its next cooperative checkpoint.
	UrgencyPriority Urgency = "priority"
	// UrgencyCritical stops the target subtree and respawns the target
	// with the directive folded into its goal.
	UrgencyCritical Urgency = "critical"
)

// CommandKind discriminates supervisor-to-worker messages.
type CommandKind string

const (
	CommandStop          CommandKind = "stop"
	CommandPause         CommandKind = "pause"
	CommandResume        CommandKind = "resume"
	CommandSteer         CommandKind = "steer"
	CommandSpawnResponse CommandKind = "spawn_response"
)

// Command is one supervisor-to-worker message. The set is closed;
// exactly the payload field matching Kind is populated.
type Command struct {
	Kind          CommandKind    `json:"kind"`
	SentAt        time.Time      `json:"sent_at"`
	Steer         *SteerPayload  `json:"steer,omitempty"`
	SpawnResponse *SpawnResponse `json:"spawn_response,omitempty"`
}

// SteerPayload carries a priority steer directive.
type SteerPayload struct {
	Context string `json:"context"`
}

// SpawnResponse answers a worker's SpawnRequest. Exactly one of
// ChildID and Error is set.
type SpawnResponse struct {
	RequestID string `json:"request_id"`
	ChildID   string `json:"child_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventKind discriminates worker-to-supervisor messages.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventDone         EventKind = "done"
	EventFailed       EventKind = "failed"
	EventStopRequest  EventKind = "stop_request"
	EventSpawnRequest EventKind = "spawn_request"
)

// Event is one worker-to-supervisor message.
type Event struct {
	Kind         EventKind     `json:"kind"`
	AgentID      string        `json:"agent_id"`
	SentAt       time.Time     `json:"sent_at"`
	Iteration    int           `json:"iteration,omitempty"`
	Result       string        `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	SpawnRequest *SpawnRequest `json:"spawn_request,omitempty"`
}

// SpawnRequest asks the supervisor to spawn a child on the worker's
// behalf; the new child's id comes back in a SpawnResponse command on
// the requester's own command queue.
type SpawnRequest struct {
	RequestID string         `json:"request_id"`
	Impl      string         `json:"impl"`
	Goal      string         `json:"goal"`
	Config    map[string]any `json:"config,omitempty"`
}
