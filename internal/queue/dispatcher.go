package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relationaldba/provisiond/internal/logging"
	"github.com/relationaldba/provisiond/internal/state"
)

// Runner executes workflows. engine.Orchestrator implements it.
type Runner interface {
	SynthAndDeploy(ctx context.Context, deploymentID int64, vpcCIDR string) error
	DestroyStack(ctx context.Context, deploymentID int64) error
}

// Dispatcher pulls tasks off a queue and runs each in its own goroutine,
// holding the deployment's lock for the duration of the run.
type Dispatcher struct {
	Queue       Queue
	Locker      state.Locker
	Runner      Runner
	Concurrency int
	// DefaultVPCCIDR is used for deploy tasks that carry no CIDR.
	DefaultVPCCIDR string
	// ErrorDelay is the pause after a failed receive.
	ErrorDelay time.Duration
}

// LockKey is the lock name for a deployment.
func LockKey(deploymentID int64) string {
	return fmt.Sprintf("deployment/%d", deploymentID)
}

// Run dispatches tasks until ctx is cancelled or the queue is closed, then
// waits for in-flight workflows to return.
func (d *Dispatcher) Run(ctx context.Context) error {
	n := d.Concurrency
	if n <= 0 {
		n = 1
	}
	delay := d.ErrorDelay
	if delay <= 0 {
		delay = time.Second
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	defer wg.Wait()

	logging.Info("dispatcher started", "concurrency", n)
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		release := func() { <-sem }

		delivery, err := d.Queue.Receive(ctx)
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			logging.Error("failed to receive task", "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		task := delivery.Task
		key := LockKey(task.DeploymentID)
		locked, err := d.Locker.TryLock(ctx, key)
		if err != nil {
			// Left unacked so the backend delivers it again.
			release()
			logging.Error("failed to lock deployment", "deployment_id", task.DeploymentID, "task", task.ID, "error", err)
			continue
		}
		if !locked {
			release()
			logging.Warn("deployment already has a running workflow, dropping duplicate task",
				"deployment_id", task.DeploymentID, "task", task.ID, "kind", task.Kind)
			d.ack(ctx, delivery)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			d.handle(ctx, delivery, key)
		}()
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery *Delivery, key string) {
	task := delivery.Task
	log := logging.Logger().With("deployment_id", task.DeploymentID, "task", task.ID, "kind", task.Kind)
	ctx = logging.WithContext(ctx, log)
	cleanup := context.WithoutCancel(ctx)

	defer func() {
		if err := d.Locker.Unlock(cleanup, key); err != nil {
			log.Error("failed to unlock deployment", "error", err)
		}
	}()

	log.Info("workflow started", "queued_for", time.Since(task.EnqueuedAt).Round(time.Second))
	err := d.execute(ctx, task)
	switch {
	case err == nil:
		log.Info("workflow finished")
	case ctx.Err() != nil:
		// Not acked: a durable backend hands it to the next worker.
		log.Warn("workflow interrupted", "error", err)
		return
	default:
		log.Error("workflow failed", "error", err)
	}
	d.ack(cleanup, delivery)
}

func (d *Dispatcher) execute(ctx context.Context, task Task) error {
	switch task.Kind {
	case KindDeploy:
		cidr := task.VPCCIDR
		if cidr == "" {
			cidr = d.DefaultVPCCIDR
		}
		return d.Runner.SynthAndDeploy(ctx, task.DeploymentID, cidr)
	case KindDestroy:
		return d.Runner.DestroyStack(ctx, task.DeploymentID)
	}
	return task.Validate()
}

func (d *Dispatcher) ack(ctx context.Context, delivery *Delivery) {
	if err := d.Queue.Ack(ctx, delivery); err != nil {
		logging.Error("failed to ack task", "task", delivery.Task.ID, "error", err)
	}
}
