package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/logging"
	"github.com/relationaldba/provisiond/internal/provider"
)

// MaxInlineTemplateBytes is the largest template body accepted inline.
// Larger templates are uploaded to the archive and passed by URL.
const MaxInlineTemplateBytes = 51200

// TemplateArchive stores rendered templates and returns a URL the provider
// can read them from.
type TemplateArchive interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// PollEvent describes one stack status check.
type PollEvent struct {
	Stack     string
	Operation string
	Attempt   int
	Status    string
}

// StackApplier creates, updates and deletes stacks and waits for them to
// settle.
type StackApplier struct {
	Client       provider.StackClient
	PollInterval time.Duration
	MaxPolls     int
	EventLimit   int
	Retry        *RetryPolicy
	Archive      TemplateArchive
	// ArchiveAlways uploads every template, not only oversized ones.
	ArchiveAlways bool
	// OnPoll is called after every status check if set.
	OnPoll func(PollEvent)
}

// NewStackApplier returns an applier with default polling settings.
func NewStackApplier(client provider.StackClient) *StackApplier {
	return &StackApplier{
		Client:       client,
		PollInterval: DefaultPollInterval,
		MaxPolls:     DefaultMaxPolls,
		EventLimit:   DefaultEventLimit,
		Retry:        DefaultRetryPolicy(),
	}
}

// Apply creates the stack, or updates it if it already exists, and waits
// for a terminal status. An update that changes nothing is a success.
func (a *StackApplier) Apply(ctx context.Context, name string, tpl *ir.Template) ([]ir.StackOutput, error) {
	log := logging.FromContext(ctx)

	body, err := a.templateBody(ctx, name, tpl)
	if err != nil {
		return nil, err
	}

	operation := "update"
	err = a.Client.UpdateStack(ctx, name, body)
	switch {
	case err == nil:
		log.Info("stack update started", "stack", name)
	case errors.Is(err, provider.ErrNoUpdates):
		log.Info("stack is up to date", "stack", name)
		desc, err := a.describe(ctx, name)
		if err != nil {
			return nil, a.failure(ctx, name, operation, "", err)
		}
		return desc.Outputs, nil
	case errors.Is(err, provider.ErrStackNotFound):
		operation = "create"
		if err := a.Client.CreateStack(ctx, name, body); err != nil {
			if isCancellation(ctx, err) {
				return nil, err
			}
			return nil, a.failure(ctx, name, operation, "", err)
		}
		log.Info("stack create started", "stack", name)
	default:
		if isCancellation(ctx, err) {
			return nil, err
		}
		return nil, a.failure(ctx, name, operation, "", err)
	}

	desc, err := a.wait(ctx, name, operation)
	if err != nil {
		return nil, err
	}
	return desc.Outputs, nil
}

// Delete removes the stack and waits until it is gone. Deleting a stack
// that does not exist is a success.
func (a *StackApplier) Delete(ctx context.Context, name string) error {
	err := a.Client.DeleteStack(ctx, name)
	if errors.Is(err, provider.ErrStackNotFound) {
		logging.FromContext(ctx).Info("stack already absent", "stack", name)
		return nil
	}
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return a.failure(ctx, name, "delete", "", err)
	}

	_, err = a.wait(ctx, name, "delete")
	if errors.Is(err, provider.ErrStackNotFound) {
		return nil
	}
	return err
}

func (a *StackApplier) templateBody(ctx context.Context, name string, tpl *ir.Template) (ir.TemplateBody, error) {
	rendered, err := tpl.Render()
	if err != nil {
		return ir.TemplateBody{}, fmt.Errorf("failed to render template for %s: %w", name, err)
	}
	if len(rendered) <= MaxInlineTemplateBytes && !a.ArchiveAlways {
		return ir.TemplateBody{Body: string(rendered)}, nil
	}
	if a.Archive == nil {
		return ir.TemplateBody{}, &ir.ValidationError{Field: "template", Reason: fmt.Sprintf("%d bytes exceeds the inline limit and no archive is configured", len(rendered))}
	}

	key := fmt.Sprintf("%s/%s.json", name, time.Now().UTC().Format("20060102T150405Z"))
	url, err := a.Archive.Put(ctx, key, rendered)
	if err != nil {
		return ir.TemplateBody{}, fmt.Errorf("failed to archive template for %s: %w", name, err)
	}
	return ir.TemplateBody{URL: url}, nil
}

// wait polls the stack until it settles. For deletes, ErrStackNotFound is
// returned once the stack is gone.
func (a *StackApplier) wait(ctx context.Context, name, operation string) (*ir.StackDescription, error) {
	log := logging.FromContext(ctx)
	var last string

	for attempt := 1; attempt <= a.maxPolls(); attempt++ {
		if err := sleep(ctx, a.PollInterval); err != nil {
			return nil, err
		}

		desc, err := a.describe(ctx, name)
		if operation == "delete" && errors.Is(err, provider.ErrStackNotFound) {
			a.emit(PollEvent{Stack: name, Operation: operation, Attempt: attempt, Status: "DELETE_COMPLETE"})
			return nil, err
		}
		if err != nil {
			if isCancellation(ctx, err) {
				return nil, err
			}
			return nil, a.failure(ctx, name, operation, last, err)
		}

		last = desc.Status
		a.emit(PollEvent{Stack: name, Operation: operation, Attempt: attempt, Status: desc.Status})
		log.Debug("polled stack", "stack", name, "operation", operation, "attempt", attempt, "status", desc.Status)

		switch classify(operation, desc.Status) {
		case outcomeSuccess:
			if operation == "delete" {
				return nil, provider.ErrStackNotFound
			}
			return desc, nil
		case outcomeFailure:
			return nil, a.failureWithReason(ctx, name, operation, desc.Status, desc.Reason)
		}
	}

	return nil, a.failureWithReason(ctx, name, operation, last,
		fmt.Sprintf("timed out after %d polls", a.maxPolls()))
}

func (a *StackApplier) describe(ctx context.Context, name string) (*ir.StackDescription, error) {
	var desc *ir.StackDescription
	err := RetryWithBackoff(ctx, a.Retry, func() error {
		var err error
		desc, err = a.Client.DescribeStack(ctx, name)
		return err
	}, IsTransientError)
	return desc, err
}

func (a *StackApplier) failure(ctx context.Context, name, operation, status string, cause error) *ir.ProvisioningError {
	perr := a.failureWithReason(ctx, name, operation, status, "")
	perr.Err = cause
	return perr
}

func (a *StackApplier) failureWithReason(ctx context.Context, name, operation, status, reason string) *ir.ProvisioningError {
	perr := &ir.ProvisioningError{Stack: name, Operation: operation, Status: status, Reason: reason}

	limit := a.EventLimit
	if limit <= 0 || limit > DefaultEventLimit {
		limit = DefaultEventLimit
	}
	events, err := a.Client.StackEvents(ctx, name, limit)
	if err != nil {
		if !errors.Is(err, provider.ErrStackNotFound) {
			logging.FromContext(ctx).Warn("failed to fetch stack events", "stack", name, "error", err)
		}
		return perr
	}
	if len(events) > limit {
		events = events[:limit]
	}
	perr.Events = events
	return perr
}

func (a *StackApplier) maxPolls() int {
	if a.MaxPolls <= 0 {
		return DefaultMaxPolls
	}
	return a.MaxPolls
}

func (a *StackApplier) emit(ev PollEvent) {
	if a.OnPoll != nil {
		a.OnPoll(ev)
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeSuccess
	outcomeFailure
)

// classify maps a provider stack status onto the three outcomes the poller
// cares about. Rollbacks that complete are failures of the requested change.
func classify(operation, status string) outcome {
	if operation == "delete" {
		switch status {
		case "DELETE_COMPLETE":
			return outcomeSuccess
		case "DELETE_FAILED":
			return outcomeFailure
		}
		return outcomePending
	}

	switch {
	case strings.HasSuffix(status, "_IN_PROGRESS"):
		return outcomePending
	case strings.Contains(status, "ROLLBACK"), strings.HasSuffix(status, "_FAILED"):
		return outcomeFailure
	case strings.HasSuffix(status, "_COMPLETE"):
		return outcomeSuccess
	}
	return outcomePending
}
