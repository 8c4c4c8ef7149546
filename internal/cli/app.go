package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/relationaldba/provisiond/internal/config"
	"github.com/relationaldba/provisiond/internal/engine"
	"github.com/relationaldba/provisiond/internal/logging"
	"github.com/relationaldba/provisiond/internal/provider"
	"github.com/relationaldba/provisiond/internal/queue"
	"github.com/relationaldba/provisiond/internal/remote"
	"github.com/relationaldba/provisiond/internal/state"
	"github.com/relationaldba/provisiond/providers/aws"
	"github.com/relationaldba/provisiond/providers/docker"
	"github.com/relationaldba/provisiond/providers/null"
)

// app holds the components a command works with.
type app struct {
	cfg      *config.Config
	store    *state.Store
	registry *provider.Registry
	orch     *engine.Orchestrator
}

// openStore connects to the configured database. The schema is not
// migrated.
func openStore(ctx context.Context, c *config.Config) (*state.Store, error) {
	sealer, err := state.NewSealer(c.Secrets.Key)
	if err != nil {
		return nil, err
	}
	db, dialect, err := state.Open(ctx, c.Database.Driver, c.Database.URL, c.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	return state.NewStore(db, dialect, sealer), nil
}

// newApp wires the orchestrator and everything it depends on.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	// 1. Persistence
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	// 2. Providers
	synth := aws.NewSynthesizer(aws.SynthConfig{
		SubnetMask:    c.Synth.SubnetMask,
		AppPortFrom:   c.Synth.AppPortFrom,
		AppPortTo:     c.Synth.AppPortTo,
		InstanceClass: c.Synth.InstanceClass,
		InstanceSize:  c.Synth.InstanceSize,
		DiskSize:      c.Synth.DiskSize,
		Tags:          map[string]string{"ManagedBy": "provisiond"},
	})
	registry := provider.NewRegistry()
	registry.Register(aws.Name, aws.Factory(synth, engine.DefaultRegion))
	registry.Register("null", null.New(synth).Factory())

	// 3. Remote installation
	bundle, err := remote.LoadBundle(c.Remote.BundleDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	transport := remote.NewSSHTransport(remote.SSHConfig{
		DialTimeout: c.Remote.DialTimeout,
		DialRetries: c.Remote.DialRetries,
		RetryDelay:  c.Remote.RetryDelay,
	})
	installer := remote.NewProvisioner(transport, bundle, remote.Options{
		User:        c.Remote.User,
		Port:        c.Remote.Port,
		GracePeriod: c.Remote.GracePeriod,
	})
	if c.Remote.VerifyContainers {
		installer.WithVerifier(docker.NewVerifier())
	}

	opts := engine.Options{
		KeyBits:       c.Synth.KeyBits,
		DNSDomain:     c.Synth.DNSDomain,
		HostedZoneID:  c.Synth.HostedZoneID,
		PollInterval:  c.Stack.PollInterval,
		MaxPolls:      c.Stack.MaxPolls,
		EventLimit:    c.Stack.EventLimit,
		ArchiveAlways: c.Archive.Always,
		Timeout:       c.Stack.Timeout,
	}

	// 4. Optional AWS services
	if c.Archive.Bucket != "" {
		awsCfg, err := aws.LoadConfig(ctx, c.Archive.Region, "", "")
		if err != nil {
			store.Close()
			return nil, err
		}
		archive, err := state.NewS3TemplateArchive(awsCfg, c.Archive.Bucket, c.Archive.Prefix)
		if err != nil {
			store.Close()
			return nil, err
		}
		opts.Archive = archive
	}

	orch := engine.New(store, registry, installer, opts)
	if c.Notify.SNSTopicARN != "" {
		awsCfg, err := aws.LoadConfig(ctx, c.Notify.Region, "", "")
		if err != nil {
			store.Close()
			return nil, err
		}
		orch.WithNotifier(aws.NewSNSNotifier(awsCfg, c.Notify.SNSTopicARN))
	}

	return &app{cfg: c, store: store, registry: registry, orch: orch}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// openQueue connects to the configured task queue.
func openQueue(ctx context.Context, c *config.Config) (queue.Queue, error) {
	switch c.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(0), nil
	case "redis":
		consumer := c.Queue.Consumer
		if consumer == "" {
			consumer = consumerName()
		}
		q, err := queue.NewRedisQueue(ctx, c.Queue.RedisURL, c.Queue.Stream, c.Queue.Group, consumer)
		if err != nil {
			return nil, err
		}
		return q.WithWorkflowTimeout(c.Stack.Timeout), nil
	case "sqs":
		awsCfg, err := aws.LoadConfig(ctx, c.Queue.Region, "", "")
		if err != nil {
			return nil, err
		}
		return queue.NewSQSQueueFromConfig(awsCfg, c.Queue.SQSURL).WithWorkflowTimeout(c.Stack.Timeout), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
}

// openLocker returns the configured per-deployment locker.
func openLocker(ctx context.Context, c *config.Config) (state.Locker, error) {
	switch c.Lock.Backend {
	case "memory":
		return state.NewMemoryLocker(c.Lock.TTL), nil
	case "dynamodb":
		awsCfg, err := aws.LoadConfig(ctx, c.Lock.Region, "", "")
		if err != nil {
			return nil, err
		}
		return state.NewDynamoLockerFromConfig(awsCfg, c.Lock.Table, c.Lock.TTL), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runLocked runs fn while holding the deployment's lock. The memory lock
// is only seen by this process, so it is refused when workers share a queue.
func runLocked(ctx context.Context, c *config.Config, deploymentID int64, fn func(context.Context) error) error {
	if c.Lock.Backend == "memory" && c.Queue.Backend != "memory" {
		return errUnsharedLock
	}
	locker, err := openLocker(ctx, c)
	if err != nil {
		return err
	}
	key := queue.LockKey(deploymentID)
	ok, err := locker.TryLock(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to lock deployment %d: %w", deploymentID, err)
	}
	if !ok {
		return fmt.Errorf("deployment %d has a running workflow", deploymentID)
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
			logging.Error("failed to unlock deployment", "deployment_id", deploymentID, "error", err)
		}
	}()
	return fn(ctx)
}

// errUnsharedLock is returned when an inline run could overlap a worker's
// because the lock is not shared with them.
var errUnsharedLock = errors.New("inline runs need a shared lock while workers read the queue; configure lock.backend dynamodb")

// errMemoryQueue is returned when a task would be queued into a queue
// no worker can read.
var errMemoryQueue = errors.New("the memory queue only exists inside a worker process; use --inline or configure queue.backend")
