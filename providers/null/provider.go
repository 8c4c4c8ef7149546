// Package null is an in-memory stack provider. It behaves like a cloud
// stack service that settles after a configurable number of polls, and is
// used by tests and dry runs.
package null

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
)

// DefaultAddress is the public address reported for every instance.
const DefaultAddress = "203.0.113.10"

type stack struct {
	id       string
	template string
	status   string
	reason   string
	final    string
	pending  int
	outputs  []ir.StackOutput
	events   []ir.StackEvent
}

// Provider implements provider.Infrastructure in memory.
type Provider struct {
	mu sync.Mutex

	synth    provider.Synthesizer
	stacks   map[string]*stack
	secrets  map[string]string
	failures map[string]string
	calls    []string

	// PollsToSettle is the number of describes a stack stays in progress.
	PollsToSettle int
	// Address is reported as the instance public IP.
	Address string
	// Region seeds the availability zone names.
	Region string
}

// New returns an empty provider that synthesizes templates with synth.
func New(synth provider.Synthesizer) *Provider {
	return &Provider{
		synth:         synth,
		stacks:        make(map[string]*stack),
		secrets:       make(map[string]string),
		failures:      make(map[string]string),
		PollsToSettle: 1,
		Address:       DefaultAddress,
		Region:        "us-east-1",
	}
}

// Factory returns a provider.Factory that always hands out p.
func (p *Provider) Factory() provider.Factory {
	return func(ctx context.Context, env *ir.Environment) (provider.Infrastructure, error) {
		return p, nil
	}
}

// FailNext makes the next mutating call on stack end in a failed state with
// reason.
func (p *Provider) FailNext(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name] = reason
}

// Status returns the current status of a stack.
func (p *Provider) Status(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stacks[name]
	if !ok {
		return "", false
	}
	return s.status, true
}

// Calls returns the stack API calls made so far, e.g. "update demo".
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Provider) Synthesize(params ir.TemplateParams) (*ir.Template, error) {
	if p.synth == nil {
		return nil, fmt.Errorf("null provider has no synthesizer")
	}
	return p.synth.Synthesize(params)
}

func (p *Provider) CreateStack(ctx context.Context, name string, body ir.TemplateBody) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "create "+name)

	if _, ok := p.stacks[name]; ok {
		return fmt.Errorf("AlreadyExistsException: Stack [%s] already exists", name)
	}
	s := &stack{id: "arn:null:cloudformation:stack/" + name}
	p.stacks[name] = s
	return p.begin(s, name, "CREATE", "ROLLBACK_COMPLETE", body)
}

func (p *Provider) UpdateStack(ctx context.Context, name string, body ir.TemplateBody) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "update "+name)

	s, ok := p.stacks[name]
	if !ok {
		return fmt.Errorf("stack %s: %w", name, provider.ErrStackNotFound)
	}
	if templateOf(body) == s.template && s.status != "UPDATE_ROLLBACK_COMPLETE" {
		return fmt.Errorf("stack %s: %w", name, provider.ErrNoUpdates)
	}
	return p.begin(s, name, "UPDATE", "UPDATE_ROLLBACK_COMPLETE", body)
}

func (p *Provider) begin(s *stack, name, op, failed string, body ir.TemplateBody) error {
	s.template = templateOf(body)
	s.status = op + "_IN_PROGRESS"
	s.reason = ""
	s.final = op + "_COMPLETE"
	s.pending = p.PollsToSettle
	s.event(name, "AWS::CloudFormation::Stack", s.status, "User Initiated")

	if reason, ok := p.failures[name]; ok {
		delete(p.failures, name)
		s.final = failed
		s.reason = reason
		s.event("Instance", "AWS::EC2::Instance", op+"_FAILED", reason)
		return nil
	}

	outputs, secrets, err := p.evaluate(name, body)
	if err != nil {
		return err
	}
	s.outputs = outputs
	for k, v := range secrets {
		p.secrets[k] = v
	}
	return nil
}

func (p *Provider) DeleteStack(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "delete "+name)

	s, ok := p.stacks[name]
	if !ok {
		return fmt.Errorf("stack %s: %w", name, provider.ErrStackNotFound)
	}
	s.status = "DELETE_IN_PROGRESS"
	s.final = "DELETE_COMPLETE"
	s.pending = p.PollsToSettle
	s.event(name, "AWS::CloudFormation::Stack", s.status, "User Initiated")

	if reason, ok := p.failures[name]; ok {
		delete(p.failures, name)
		s.final = "DELETE_FAILED"
		s.reason = reason
		s.event("Vpc", "AWS::EC2::VPC", "DELETE_FAILED", reason)
	}
	return nil
}

func (p *Provider) DescribeStack(ctx context.Context, name string) (*ir.StackDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stacks[name]
	if !ok {
		return nil, fmt.Errorf("stack %s: %w", name, provider.ErrStackNotFound)
	}
	if s.pending > 0 {
		s.pending--
	}
	if s.pending == 0 && s.final != "" {
		s.status = s.final
		s.final = ""
		if s.status == "DELETE_COMPLETE" {
			delete(p.stacks, name)
		}
	}

	return &ir.StackDescription{
		ID:      s.id,
		Name:    name,
		Status:  s.status,
		Reason:  s.reason,
		Outputs: append([]ir.StackOutput(nil), s.outputs...),
	}, nil
}

func (p *Provider) StackEvents(ctx context.Context, name string, limit int) ([]ir.StackEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stacks[name]
	if !ok {
		return nil, fmt.Errorf("stack %s: %w", name, provider.ErrStackNotFound)
	}
	events := make([]ir.StackEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0 && len(events) < limit; i-- {
		events = append(events, s.events[i])
	}
	return events, nil
}

func (p *Provider) ReadSecret(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.secrets[id]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", id, ir.ErrNotFound)
	}
	return v, nil
}

func (p *Provider) AvailabilityZones(ctx context.Context) ([]string, error) {
	return []string{p.Region + "a", p.Region + "b"}, nil
}

func (p *Provider) HostedZoneID(ctx context.Context, domain string) (string, error) {
	return "ZNULL" + strings.ToUpper(strings.ReplaceAll(domain, ".", "")), nil
}

func (s *stack) event(logicalID, typ, status, reason string) {
	s.events = append(s.events, ir.StackEvent{
		Timestamp:    time.Now().UTC(),
		LogicalID:    logicalID,
		ResourceType: typ,
		Status:       status,
		Reason:       reason,
	})
}

// evaluate fakes the values a real stack would resolve for the template's
// outputs and records any secrets it declares.
func (p *Provider) evaluate(name string, body ir.TemplateBody) ([]ir.StackOutput, map[string]string, error) {
	if body.Body == "" {
		return nil, nil, nil
	}
	var tpl ir.Template
	if err := json.Unmarshal([]byte(body.Body), &tpl); err != nil {
		return nil, nil, fmt.Errorf("ValidationError: Template format error: %w", err)
	}

	secrets := make(map[string]string)
	var secretARN string
	for _, id := range tpl.ResourcesOfType("AWS::SecretsManager::Secret") {
		props := tpl.Resources[id].Properties
		secretName, _ := props["Name"].(string)
		value, _ := props["SecretString"].(string)
		secretARN = "arn:null:secretsmanager:secret:" + secretName
		secrets[secretARN] = value
	}

	values := map[string]string{
		ir.OutputStackID:             "arn:null:cloudformation:stack/" + name,
		ir.OutputInstanceID:          "i-null-" + name,
		ir.OutputInstancePublicIP:    p.Address,
		ir.OutputInstancePublicDNS:   "ec2-" + strings.ReplaceAll(p.Address, ".", "-") + ".compute.null",
		ir.OutputAvailabilityZone:    p.Region + "a",
		ir.OutputDNSRecordFQDN:       strings.ToLower(name) + ".null",
		ir.OutputPrivateKeySecretARN: secretARN,
	}

	keys := make([]string, 0, len(tpl.Outputs))
	for k := range tpl.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outputs := make([]ir.StackOutput, 0, len(keys))
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			v = "null-" + k
		}
		outputs = append(outputs, ir.StackOutput{Key: k, Value: v})
	}
	return outputs, secrets, nil
}

func templateOf(body ir.TemplateBody) string {
	if body.URL != "" {
		return body.URL
	}
	return body.Body
}
