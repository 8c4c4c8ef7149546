package engine

import (
	"context"
	"time"

	"github.com/relationaldba/provisiond/internal/ir"
)

// StatusEvent describes a persisted status change.
type StatusEvent struct {
	DeploymentID int64
	Name         string
	From         ir.Status
	To           ir.Status
	At           time.Time
	// Message carries the failure that caused an error status, if any.
	Message string
}

// Notifier publishes terminal status changes to interested parties.
type Notifier interface {
	Notify(ctx context.Context, ev StatusEvent) error
}

// Recorder receives workflow measurements.
type Recorder interface {
	WorkflowStarted(kind string)
	WorkflowFinished(kind, outcome string, elapsed time.Duration)
	StatusChanged(to ir.Status)
	StackPolled(operation string)
}

type nopRecorder struct{}

func (nopRecorder) WorkflowStarted(string)                         {}
func (nopRecorder) WorkflowFinished(string, string, time.Duration) {}
func (nopRecorder) StatusChanged(ir.Status)                        {}
func (nopRecorder) StackPolled(string)                             {}
