package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relationaldba/provisiond/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <deployment-id>",
	Short: "Show a deployment's status and recorded properties",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the deployment as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := parseDeploymentID(args[0])
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return printDeployment(cmd, store, id)
}

func printDeployment(cmd *cobra.Command, store *state.Store, id int64) error {
	dep, err := store.LoadDeployment(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to load deployment %d: %w", id, err)
	}
	out := cmd.OutOrStdout()

	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(dep)
	}

	fmt.Fprintf(out, "Deployment %d (%s)\n", dep.ID, dep.Name)
	fmt.Fprintf(out, "  Status:  %s\n", dep.Status)
	fmt.Fprintf(out, "  Created: %s\n", dep.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Updated: %s\n", dep.UpdatedAt.Format(time.RFC3339))
	if dep.DeletedAt != nil {
		fmt.Fprintf(out, "  Deleted: %s\n", dep.DeletedAt.Format(time.RFC3339))
	}

	if len(dep.Properties) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nProperties:")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range dep.Properties {
		fmt.Fprintf(tw, "  %s\t%s\n", p.Name, p.Value)
	}
	return tw.Flush()
}
