package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a workflow cannot start from the
// deployment's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError reports synthesis parameters that cannot be honoured.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProvisioningError reports a stack apply or delete that ended in failure.
type ProvisioningError struct {
	Stack     string
	Operation string
	Status    string
	Reason    string
	Events    []StackEvent
	Err       error
}

func (e *ProvisioningError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s of stack %s failed", e.Operation, e.Stack)
	if e.Status != "" {
		fmt.Fprintf(&b, " with status %s", e.Status)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Diagnostics renders the attached events, newest first.
func (e *ProvisioningError) Diagnostics() string {
	var b strings.Builder
	for _, ev := range e.Events {
		fmt.Fprintf(&b, "%s %s (%s) %s", ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.LogicalID, ev.ResourceType, ev.Status)
		if ev.Reason != "" {
			fmt.Fprintf(&b, ": %s", ev.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RemoteExecutionError reports a command that failed on the target host.
type RemoteExecutionError struct {
	Host       string
	Step       string
	Command    string
	Output     string
	ExitStatus int
	Err        error
}

func (e *RemoteExecutionError) Error() string {
	msg := fmt.Sprintf("%s on %s: command %q exited with status %d", e.Step, e.Host, e.Command, e.ExitStatus)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\nOutput: " + e.Output
	}
	return msg
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }
