package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/relationaldba/provisiond/internal/config"
	"github.com/relationaldba/provisiond/internal/queue"
)

var (
	deployVPCCIDR string
	deployInline  bool
	destroyInline bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <deployment-id>",
	Short: "Provision a deployment and install the application",
	Long: `Synthesizes the deployment's stack, applies it and installs the
application on the new host.

By default the work is queued for a worker. With --inline it runs in this
process and the command returns when the deployment is ONLINE, FAILED or
ERROR. Re-running deploy on an ONLINE deployment re-applies the stack;
unchanged deployments are left as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <deployment-id>",
	Short: "Delete a deployment's infrastructure",
	Long: `Deletes the deployment's stack and marks the deployment DELETED.

The recorded resource properties are kept for reference.`,
	Args: cobra.ExactArgs(1),
	RunE: runDestroy,
}

func init() {
	deployCmd.Flags().StringVar(&deployVPCCIDR, "vpc-cidr", "", "VPC CIDR block (default from synth.vpc_cidr)")
	deployCmd.Flags().BoolVar(&deployInline, "inline", false, "Run the workflow in this process instead of queueing it")
	destroyCmd.Flags().BoolVar(&destroyInline, "inline", false, "Run the workflow in this process instead of queueing it")
}

func parseDeploymentID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid deployment id %q", arg)
	}
	return id, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	id, err := parseDeploymentID(args[0])
	if err != nil {
		return err
	}
	cidr := deployVPCCIDR
	if cidr == "" {
		cidr = cfg.Synth.VPCCIDR
	}

	if !deployInline {
		return enqueue(cmd, cfg, queue.NewTask(queue.KindDeploy, id, cidr))
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Deploying deployment %d...\n", id)
	err = runLocked(ctx, cfg, id, func(ctx context.Context) error {
		return a.orch.SynthAndDeploy(ctx, id, cidr)
	})
	if err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}
	return printDeployment(cmd, a.store, id)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	id, err := parseDeploymentID(args[0])
	if err != nil {
		return err
	}

	if !destroyInline {
		return enqueue(cmd, cfg, queue.NewTask(queue.KindDestroy, id, ""))
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Destroying deployment %d...\n", id)
	err = runLocked(ctx, cfg, id, func(ctx context.Context) error {
		return a.orch.DestroyStack(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Destroy complete!")
	return nil
}

// enqueue checks the deployment exists and queues task for a worker.
func enqueue(cmd *cobra.Command, c *config.Config, task queue.Task) error {
	if c.Queue.Backend == "memory" {
		return errMemoryQueue
	}
	ctx := cmd.Context()

	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.LoadDeployment(ctx, task.DeploymentID); err != nil {
		return fmt.Errorf("failed to load deployment %d: %w", task.DeploymentID, err)
	}

	q, err := openQueue(ctx, c)
	if err != nil {
		return err
	}
	defer q.Close()
	if err := q.Enqueue(ctx, task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s of deployment %d (task %s)\n", task.Kind, task.DeploymentID, task.ID)
	return nil
}
