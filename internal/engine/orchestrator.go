package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/keygen"
	"github.com/relationaldba/provisiond/internal/logging"
	"github.com/relationaldba/provisiond/internal/provider"
	"github.com/relationaldba/provisiond/internal/remote"
)

// Store is the persistence the orchestrator reads and writes.
type Store interface {
	LoadDeployment(ctx context.Context, id int64) (*ir.Deployment, error)
	SaveStatus(ctx context.Context, id int64, status ir.Status) error
	AppendResourceProperties(ctx context.Context, id int64, props []ir.Property) error
	MarkDeleted(ctx context.Context, id int64, at time.Time) error
	LoadEnvironment(ctx context.Context, id int64) (*ir.Environment, error)
	LoadProduct(ctx context.Context, id int64) (*ir.Product, error)
}

// Installer installs the application on a provisioned host.
type Installer interface {
	Install(ctx context.Context, address string, privateKey []byte, app remote.Application) error
	User() string
}

// Options tunes the orchestrator.
type Options struct {
	KeyBits      int
	DNSDomain    string
	HostedZoneID string

	PollInterval time.Duration
	MaxPolls     int
	EventLimit   int

	Archive       TemplateArchive
	ArchiveAlways bool

	// Timeout bounds a whole workflow run.
	Timeout time.Duration
}

// Orchestrator drives deployments through their lifecycle and keeps the
// persisted status in step with the infrastructure.
type Orchestrator struct {
	store     Store
	registry  *provider.Registry
	installer Installer
	keys      *keygen.Generator
	resolver  *Resolver
	opts      Options
	notifier  Notifier
	recorder  Recorder
	now       func() time.Time
}

// New returns an Orchestrator.
func New(store Store, registry *provider.Registry, installer Installer, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     store,
		registry:  registry,
		installer: installer,
		keys:      keygen.NewGenerator(opts.KeyBits),
		resolver:  &Resolver{DNSDomain: opts.DNSDomain, HostedZoneID: opts.HostedZoneID},
		opts:      opts,
		recorder:  nopRecorder{},
		now:       time.Now,
	}
}

// WithNotifier sets the notifier for terminal status changes.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithRecorder sets the metrics recorder.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	if r == nil {
		r = nopRecorder{}
	}
	o.recorder = r
	return o
}

// prepared is everything computed before the first mutating call.
type prepared struct {
	infra    provider.Infrastructure
	template *ir.Template
	keys     *keygen.KeyPair
	app      remote.Application
}

// SynthAndDeploy provisions the deployment's stack and installs the
// application on it. It returns once ONLINE, FAILED or ERROR is persisted,
// or earlier with the cause if the deployment cannot be loaded, synthesis
// fails (the prior status is restored) or ctx is cancelled (the last
// persisted status is kept). A deployment left in SYNTHESIZING, CREATING or
// INSTALLING by an interrupted run is resumed from the start. Running past
// Options.Timeout fails the run like any other error.
func (o *Orchestrator) SynthAndDeploy(ctx context.Context, deploymentID int64, vpcCIDR string) (err error) {
	ctx, cancel := WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	ctx, log := o.scope(ctx, deploymentID, "deploy")
	defer o.finish(ctx, "deploy", o.now(), &err)

	// 1. Load the deployment
	dep, err := o.store.LoadDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment %d: %w", deploymentID, err)
	}
	r := &run{o: o, dep: dep, status: dep.Status, log: log}
	defer r.settle(ctx, &err)
	prior := dep.Status
	if prior.InFlight() {
		log.Warn("resuming interrupted run", "status", prior)
	}

	// 2. Mark synthesis started
	if err := r.transition(ctx, ir.StatusSynthesizing, nil); err != nil {
		return err
	}

	// 3-5. Resolve, generate keys, synthesize
	p, err := o.prepare(ctx, dep, vpcCIDR, true)
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		if prior.InFlight() {
			// The interrupted run may have touched the stack already.
			return r.fail(ctx, ir.StatusFailed, err)
		}
		log.Warn("synthesis failed, restoring status", "status", prior, "error", err)
		return r.restore(ctx, prior, err)
	}

	// 6-8. Apply the stack
	if err := r.transition(ctx, ir.StatusCreating, nil); err != nil {
		return err
	}
	outputs, err := o.applier(p.infra).Apply(ctx, dep.Name, p.template)
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return r.fail(ctx, ir.StatusFailed, err)
	}

	address, ok := outputValue(outputs, ir.OutputInstancePublicIP)
	if !ok {
		return r.fail(ctx, ir.StatusFailed, &ir.ProvisioningError{
			Stack:     dep.Name,
			Operation: "apply",
			Reason:    "stack has no " + ir.OutputInstancePublicIP + " output",
		})
	}

	props := append(OutputProperties(outputs), ir.Property{
		Name:  ir.PropertySSHHost,
		Value: o.installer.User() + "@" + address,
	})
	if err := o.store.AppendResourceProperties(ctx, deploymentID, props); err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return r.fail(ctx, ir.StatusFailed, fmt.Errorf("failed to record stack outputs: %w", err))
	}
	log.Info("stack applied", "stack", dep.Name, "address", address, "outputs", len(outputs))

	// 9-11. Install the application
	if err := r.transition(ctx, ir.StatusInstalling, nil); err != nil {
		return err
	}
	if err := o.installer.Install(ctx, address, p.keys.PrivateKeyPEM, p.app); err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return r.fail(ctx, ir.StatusError, err)
	}

	return r.transition(ctx, ir.StatusOnline, nil)
}

// DestroyStack deletes the deployment's stack. It returns once DELETED or
// ERROR is persisted, or earlier if the deployment or its environment
// cannot be loaded. A deployment left in DELETING is deleted again.
func (o *Orchestrator) DestroyStack(ctx context.Context, deploymentID int64) (err error) {
	ctx, cancel := WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	ctx, log := o.scope(ctx, deploymentID, "destroy")
	defer o.finish(ctx, "destroy", o.now(), &err)

	// 1. Load the deployment and its environment
	dep, err := o.store.LoadDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment %d: %w", deploymentID, err)
	}
	env, err := o.store.LoadEnvironment(ctx, dep.EnvironmentID)
	if err != nil {
		return fmt.Errorf("failed to load environment %d: %w", dep.EnvironmentID, err)
	}
	infra, err := o.registry.Open(ctx, env)
	if err != nil {
		return err
	}
	r := &run{o: o, dep: dep, status: dep.Status, log: log}
	defer r.settle(ctx, &err)

	// 2. Mark deletion started
	if err := r.transition(ctx, ir.StatusDeleting, nil); err != nil {
		return err
	}

	// 3. Tear the stack down
	if err := o.applier(infra).Delete(ctx, dep.Name); err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return r.fail(ctx, ir.StatusError, err)
	}

	// 4. Record the deletion
	return r.markDeleted(ctx)
}

// Synthesize builds the template SynthAndDeploy would apply, with a
// throwaway key pair, without changing the deployment's status or touching
// the stack.
func (o *Orchestrator) Synthesize(ctx context.Context, deploymentID int64, vpcCIDR string) (*ir.Template, error) {
	dep, err := o.store.LoadDeployment(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %d: %w", deploymentID, err)
	}
	p, err := o.prepare(ctx, dep, vpcCIDR, false)
	if err != nil {
		return nil, err
	}
	return p.template, nil
}

func (o *Orchestrator) prepare(ctx context.Context, dep *ir.Deployment, vpcCIDR string, reuseKeys bool) (*prepared, error) {
	env, err := o.store.LoadEnvironment(ctx, dep.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment %d: %w", dep.EnvironmentID, err)
	}
	product, err := o.store.LoadProduct(ctx, dep.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product %d: %w", dep.ProductID, err)
	}
	infra, err := o.registry.Open(ctx, env)
	if err != nil {
		return nil, err
	}

	resolved, err := o.resolver.Resolve(ctx, env, infra)
	if err != nil {
		return nil, err
	}

	overlay, err := decodeOverlay(dep)
	if err != nil {
		return nil, err
	}

	keys, err := o.keyMaterial(ctx, infra, dep, reuseKeys)
	if err != nil {
		return nil, err
	}

	params := ir.TemplateParams{
		StackName:        dep.Name,
		PublicKey:        keys.PublicKey,
		PrivateKeyBase64: keys.PrivateKeyBase64,
		Environment:      *resolved,
		VPCCIDR:          vpcCIDR,
	}
	params.InstanceClass, _ = dep.StackOverride(ir.OverrideInstanceClass)
	params.InstanceSize, _ = dep.StackOverride(ir.OverrideInstanceSize)
	params.DiskSize, _ = dep.StackOverride(ir.OverrideDiskSize)

	tpl, err := infra.Synthesize(params)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize template for %s: %w", dep.Name, err)
	}
	dag, err := BuildDAG(tpl)
	if err != nil {
		return nil, fmt.Errorf("synthesized template for %s is inconsistent: %w", dep.Name, err)
	}
	logging.FromContext(ctx).Debug("template synthesized", "stack", dep.Name, "resources", dag.CreationOrder())

	return &prepared{
		infra:    infra,
		template: tpl,
		keys:     keys,
		app: remote.Application{
			Domain:           resolved.DNSName(dep.Name),
			Version:          product.Version,
			RegistryURL:      product.RepositoryURL,
			RegistryUsername: product.RepositoryUsername,
			RegistryPassword: product.RepositoryPassword,
			Overlay:          overlay,
		},
	}, nil
}

// keyMaterial reuses the private key stored by a previous apply so an
// unchanged deployment re-applies as a no-op, and generates a fresh pair
// otherwise.
func (o *Orchestrator) keyMaterial(ctx context.Context, infra provider.SecretReader, dep *ir.Deployment, reuse bool) (*keygen.KeyPair, error) {
	log := logging.FromContext(ctx)
	if secretID, ok := dep.LatestProperty(ir.PropertyPrivateKeySecret); reuse && ok && secretID != "" {
		encoded, err := infra.ReadSecret(ctx, secretID)
		if err == nil {
			kp, err := keygen.FromBase64(encoded, dep.Name)
			if err == nil {
				log.Debug("reusing stored key pair", "secret", secretID)
				return kp, nil
			}
			log.Warn("stored private key is unreadable, generating a new key pair", "secret", secretID, "error", err)
		} else {
			if isCancellation(ctx, err) {
				return nil, err
			}
			log.Warn("failed to read stored private key, generating a new key pair", "secret", secretID, "error", err)
		}
	}

	kp, err := o.keys.Generate(dep.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return kp, nil
}

func decodeOverlay(dep *ir.Deployment) (*remote.Profile, error) {
	encoded, ok := dep.ProductOverride(ir.OverridePropertiesBase64)
	if !ok || encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ir.ValidationError{Field: ir.OverridePropertiesBase64, Reason: err.Error()}
	}
	overlay, err := remote.ParseProfile(string(raw))
	if err != nil {
		return nil, &ir.ValidationError{Field: ir.OverridePropertiesBase64, Reason: err.Error()}
	}
	return overlay, nil
}

func (o *Orchestrator) applier(client provider.StackClient) *StackApplier {
	a := NewStackApplier(client)
	if o.opts.PollInterval > 0 {
		a.PollInterval = o.opts.PollInterval
	}
	if o.opts.MaxPolls > 0 {
		a.MaxPolls = o.opts.MaxPolls
	}
	if o.opts.EventLimit > 0 {
		a.EventLimit = o.opts.EventLimit
	}
	a.Archive = o.opts.Archive
	a.ArchiveAlways = o.opts.ArchiveAlways
	a.OnPoll = func(ev PollEvent) { o.recorder.StackPolled(ev.Operation) }
	return a
}

func (o *Orchestrator) scope(ctx context.Context, deploymentID int64, task string) (context.Context, *slog.Logger) {
	log := logging.FromContext(ctx).With("deployment_id", deploymentID, "task", task)
	o.recorder.WorkflowStarted(task)
	return logging.WithContext(ctx, log), log
}

func (o *Orchestrator) finish(ctx context.Context, task string, started time.Time, errp *error) {
	outcome := "success"
	switch err := *errp; {
	case err == nil:
	case isCancellation(ctx, err):
		outcome = "cancelled"
	case errors.Is(err, ir.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ir.ErrInvalidTransition):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	o.recorder.WorkflowFinished(task, outcome, o.now().Sub(started))
}

// run tracks one workflow's view of the deployment status.
type run struct {
	o      *Orchestrator
	dep    *ir.Deployment
	status ir.Status
	log    *slog.Logger
}

// transition persists to as the deployment's status. cause is attached to
// notifications for error statuses.
func (r *run) transition(ctx context.Context, to ir.Status, cause error) error {
	from := r.status
	if !ir.CanTransition(from, to) {
		return fmt.Errorf("deployment %d cannot move from %s to %s: %w", r.dep.ID, from, to, ir.ErrInvalidTransition)
	}
	if err := r.o.store.SaveStatus(ctx, r.dep.ID, to); err != nil {
		return fmt.Errorf("failed to save status %s for deployment %d: %w", to, r.dep.ID, err)
	}
	r.committed(ctx, from, to, cause)
	return nil
}

func (r *run) markDeleted(ctx context.Context) error {
	from := r.status
	if !ir.CanTransition(from, ir.StatusDeleted) {
		return fmt.Errorf("deployment %d cannot move from %s to %s: %w", r.dep.ID, from, ir.StatusDeleted, ir.ErrInvalidTransition)
	}
	if err := r.o.store.MarkDeleted(ctx, r.dep.ID, r.o.now().UTC()); err != nil {
		return fmt.Errorf("failed to mark deployment %d deleted: %w", r.dep.ID, err)
	}
	r.committed(ctx, from, ir.StatusDeleted, nil)
	return nil
}

// fail records an error status and returns cause, joined with any error
// from recording it. The status is written even after ctx has expired.
func (r *run) fail(ctx context.Context, to ir.Status, cause error) error {
	if timedOut(ctx) && !errors.Is(cause, ErrWorkflowTimeout) {
		cause = fmt.Errorf("%w: %w", ErrWorkflowTimeout, cause)
	}
	r.log.Error("deployment failed", "status", to, "error", cause)
	var perr *ir.ProvisioningError
	if errors.As(cause, &perr) && len(perr.Events) > 0 {
		r.log.Error("stack events", "stack", perr.Stack, "events", perr.Diagnostics())
	}
	if err := r.transition(context.WithoutCancel(ctx), to, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// restore puts back the status held before a run that changed nothing
// outside the store. It is not a status change of its own, so nothing is
// published or counted.
func (r *run) restore(ctx context.Context, to ir.Status, cause error) error {
	from := r.status
	if !ir.CanTransition(from, to) {
		return errors.Join(cause, fmt.Errorf("deployment %d cannot move from %s to %s: %w", r.dep.ID, from, to, ir.ErrInvalidTransition))
	}
	if err := r.o.store.SaveStatus(context.WithoutCancel(ctx), r.dep.ID, to); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to restore status %s for deployment %d: %w", to, r.dep.ID, err))
	}
	r.status = to
	r.log.Info("status restored", "from", from, "to", to)
	return cause
}

// settle fails a run that stopped on its own timeout while its status was
// still in flight, so the record never outlives the run in a busy status.
func (r *run) settle(ctx context.Context, errp *error) {
	if *errp == nil || !timedOut(ctx) || !r.status.InFlight() {
		return
	}
	to := ir.StatusError
	if r.status == ir.StatusSynthesizing || r.status == ir.StatusCreating {
		to = ir.StatusFailed
	}
	*errp = r.fail(ctx, to, *errp)
}

func (r *run) committed(ctx context.Context, from, to ir.Status, cause error) {
	r.status = to
	r.log.Info("status changed", "from", from, "to", to)
	r.o.recorder.StatusChanged(to)

	if r.o.notifier == nil || !to.Terminal() {
		return
	}
	ev := StatusEvent{DeploymentID: r.dep.ID, Name: r.dep.Name, From: from, To: to, At: r.o.now().UTC()}
	if cause != nil {
		ev.Message = cause.Error()
	}
	if err := r.o.notifier.Notify(ctx, ev); err != nil {
		r.log.Warn("failed to publish status change", "to", to, "error", err)
	}
}
