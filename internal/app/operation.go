package app

import "github.com/google/uuid"

// Operation identifies one CLI invocation for log correlation. Every log
// line written during a command's execution carries the same operation ID,
// so a single run's messages can be picked out of coldvault.log even when
// commands run concurrently or overlap in time.
type Operation struct {
	ID        string
	Command   string
	Arguments string
}

// NewOperation creates an operation with a fresh ID.
func NewOperation(command, arguments string) *Operation {
	return &Operation{
		ID:        uuid.NewString(),
		Command:   command,
		Arguments: arguments,
	}
}
