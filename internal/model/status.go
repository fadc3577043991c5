package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
)

var terminalStatuses = map[Status]bool{
	StatusDone:       true,
	StatusFailed:     true,
	StatusSuperseded: true,
}

// Task status transitions: pending ↔ claimed → terminal.
// claimed → pending is the quality-gate requeue path.
// claimed → superseded happens when decomposition replaces a task.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusClaimed: true,
	},
	StatusClaimed: {
		StatusPending:    true,
		StatusDone:       true,
		StatusFailed:     true,
		StatusSuperseded: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
