package parley

import "errors"

// Standard errors shared across the runtime.
var (
	// ErrNotCompleted is returned when reading a future that has not
	// resolved yet.
	ErrNotCompleted = errors.New("future not completed")

	// ErrAgentNotFound is returned when an envelope names an agent no
	// router can reach.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrA2ADisabled is returned when agent messaging is used while
	// a2a-enabled is false for the bot.
	ErrA2ADisabled = errors.New("agent-to-agent messaging disabled")

	// ErrNoHandler signals that an agent has no script wired for
	// inbound envelopes; such envelopes are queued for polling instead.
	ErrNoHandler = errors.New("no envelope handler")

	// ErrQueueFull is returned when an agent inbox is at capacity.
	ErrQueueFull = errors.New("agent inbox full")

	// ErrHandoff is the sentinel an instance unwinds with after
	// transferring its session to another agent. It is a normal
	// termination, not a failure.
	ErrHandoff = errors.New("session handed off")

	// ErrSessionEnded is returned when a turn arrives for a session
	// that has been torn down.
	ErrSessionEnded = errors.New("session ended")
)
