// Package queue carries workflow tasks from the CLI to workers and runs
// them with at most one workflow per deployment.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relationaldba/provisiond/internal/ir"
)

// Kind selects the workflow a task runs.
type Kind string

const (
	KindDeploy  Kind = "deploy"
	KindDestroy Kind = "destroy"
)

const (
	// DefaultWorkflowTimeout is the run timeout assumed when none is given.
	DefaultWorkflowTimeout = 2 * time.Hour

	// RedeliveryMargin is added to the workflow timeout before an unacked
	// task is handed out again.
	RedeliveryMargin = 15 * time.Minute
)

// ErrClosed is returned by a queue after Close.
var ErrClosed = errors.New("queue closed")

// Task asks a worker to run one workflow for one deployment.
type Task struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	DeploymentID int64     `json:"deployment_id"`
	VPCCIDR      string    `json:"vpc_cidr,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// NewTask returns a task with a fresh id.
func NewTask(kind Kind, deploymentID int64, vpcCIDR string) Task {
	return Task{
		ID:           uuid.NewString(),
		Kind:         kind,
		DeploymentID: deploymentID,
		VPCCIDR:      vpcCIDR,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// Validate checks the fields a worker relies on.
func (t Task) Validate() error {
	switch t.Kind {
	case KindDeploy, KindDestroy:
	default:
		return &ir.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown task kind %q", t.Kind)}
	}
	if t.DeploymentID <= 0 {
		return &ir.ValidationError{Field: "deployment_id", Reason: "must be positive"}
	}
	return nil
}

// Delivery is a received task. It must be passed back to Ack once handled.
type Delivery struct {
	Task Task
	// receipt identifies the message to the backend.
	receipt string
}

// Queue is a durable or in-process task queue.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Receive blocks until a task is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

func encodeTask(task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	return string(b), nil
}

func decodeTask(body string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}
