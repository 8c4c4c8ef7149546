package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	synthVPCCIDR string
	synthFormat  string
	synthOut     string
)

var synthCmd = &cobra.Command{
	Use:   "synth <deployment-id>",
	Short: "Print the stack template a deploy would apply",
	Long: `Synthesizes the deployment's stack template without touching the
stack or the deployment status. A throwaway key pair stands in for the
deployment's own.`,
	Args: cobra.ExactArgs(1),
	RunE: runSynth,
}

func init() {
	synthCmd.Flags().StringVar(&synthVPCCIDR, "vpc-cidr", "", "VPC CIDR block (default from synth.vpc_cidr)")
	synthCmd.Flags().StringVarP(&synthFormat, "format", "f", "json", "Output format (json, yaml)")
	synthCmd.Flags().StringVarP(&synthOut, "out", "o", "", "Write the template to a file instead of stdout")
}

func runSynth(cmd *cobra.Command, args []string) error {
	id, err := parseDeploymentID(args[0])
	if err != nil {
		return err
	}
	if synthFormat != "json" && synthFormat != "yaml" {
		return fmt.Errorf("unknown format %q: expected json or yaml", synthFormat)
	}
	cidr := synthVPCCIDR
	if cidr == "" {
		cidr = cfg.Synth.VPCCIDR
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tpl, err := a.orch.Synthesize(ctx, id, cidr)
	if err != nil {
		return err
	}

	var body []byte
	if synthFormat == "yaml" {
		body, err = tpl.RenderYAML()
	} else {
		body, err = tpl.Render()
	}
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	if synthOut == "" {
		_, err = cmd.OutOrStdout().Write(append(body, '\n'))
		return err
	}
	if err := os.WriteFile(synthOut, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", synthOut, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Template written to %s (%d bytes)\n", synthOut, len(body))
	return nil
}
