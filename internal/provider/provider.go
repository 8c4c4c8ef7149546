// Package provider defines the contracts the orchestrator consumes from an
// infrastructure provider and a registry that opens providers per
// environment.
package provider

import (
	"context"
	"errors"

	"github.com/relationaldba/provisiond/internal/ir"
)

var (
	// ErrStackNotFound reports that the named stack does not exist.
	ErrStackNotFound = errors.New("stack does not exist")
	// ErrNoUpdates reports that an update would not change the stack.
	ErrNoUpdates = errors.New("no updates are to be performed")
)

// Synthesizer turns deployment parameters into a stack template. It must
// not make network calls.
type Synthesizer interface {
	Synthesize(params ir.TemplateParams) (*ir.Template, error)
}

// StackClient is the provider's stack API.
type StackClient interface {
	CreateStack(ctx context.Context, name string, body ir.TemplateBody) error
	// UpdateStack returns ErrStackNotFound or ErrNoUpdates for the two
	// outcomes the applier treats specially.
	UpdateStack(ctx context.Context, name string, body ir.TemplateBody) error
	DeleteStack(ctx context.Context, name string) error
	DescribeStack(ctx context.Context, name string) (*ir.StackDescription, error)
	// StackEvents returns at most limit events, newest first.
	StackEvents(ctx context.Context, name string, limit int) ([]ir.StackEvent, error)
}

// SecretReader reads values back from the provider's secret store.
type SecretReader interface {
	ReadSecret(ctx context.Context, id string) (string, error)
}

// NetworkResolver looks up account level network facts.
type NetworkResolver interface {
	AvailabilityZones(ctx context.Context) ([]string, error)
	HostedZoneID(ctx context.Context, domain string) (string, error)
}

// Infrastructure is everything the orchestrator needs from one provider
// bound to one environment.
type Infrastructure interface {
	Synthesizer
	StackClient
	SecretReader
	NetworkResolver
}

// Factory opens an Infrastructure for an environment.
type Factory func(ctx context.Context, env *ir.Environment) (Infrastructure, error)
