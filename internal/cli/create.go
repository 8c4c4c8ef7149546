package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/relationaldba/provisiond/internal/ir"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Register environments, products and deployments",
}

var (
	envName, envProvider, envAccountID, envRegion, envAccessKeyID, envSecretAccessKey string

	productName, productVersion, productRepoURL, productRepoUser, productRepoPassword string

	depName                        string
	depEnvironmentID, depProductID int64
	depStackID                     int64
	depStackProps, depProductProps map[string]string
)

var createEnvironmentCmd = &cobra.Command{
	Use:   "environment",
	Short: "Register a cloud account and region to deploy into",
	Args:  cobra.NoArgs,
	RunE:  runCreateEnvironment,
}

var createProductCmd = &cobra.Command{
	Use:   "product",
	Short: "Register an application version and its image registry",
	Args:  cobra.NoArgs,
	RunE:  runCreateProduct,
}

var createDeploymentCmd = &cobra.Command{
	Use:   "deployment",
	Short: "Register a deployment of a product into an environment",
	Long: `Registers a deployment in status QUEUED.

Stack properties override instance_class, instance_size and disk_size.
The product property properties_base64 carries a base64 encoded
properties overlay for the application.`,
	Args: cobra.NoArgs,
	RunE: runCreateDeployment,
}

func init() {
	f := createEnvironmentCmd.Flags()
	f.StringVar(&envName, "name", "", "Environment name")
	f.StringVar(&envProvider, "provider", "aws", "Infrastructure provider (aws, null)")
	f.StringVar(&envAccountID, "account-id", "", "Cloud account id")
	f.StringVar(&envRegion, "region", "", "Region (default us-east-2)")
	f.StringVar(&envAccessKeyID, "access-key-id", "", "Access key id (default credential chain when empty)")
	f.StringVar(&envSecretAccessKey, "secret-access-key", "", "Secret access key")
	_ = createEnvironmentCmd.MarkFlagRequired("name")

	f = createProductCmd.Flags()
	f.StringVar(&productName, "name", "", "Product name")
	f.StringVar(&productVersion, "version", "", "Application image tag")
	f.StringVar(&productRepoURL, "repository-url", "", "Image registry")
	f.StringVar(&productRepoUser, "repository-username", "", "Registry user")
	f.StringVar(&productRepoPassword, "repository-password", "", "Registry password")
	_ = createProductCmd.MarkFlagRequired("name")
	_ = createProductCmd.MarkFlagRequired("version")

	f = createDeploymentCmd.Flags()
	f.StringVar(&depName, "name", "", "Deployment name, also the stack name")
	f.Int64Var(&depEnvironmentID, "environment-id", 0, "Environment id")
	f.Int64Var(&depProductID, "product-id", 0, "Product id")
	f.Int64Var(&depStackID, "stack-id", 0, "Stack blueprint id")
	f.StringToStringVar(&depStackProps, "stack-prop", nil, "Stack property override (format: key=value)")
	f.StringToStringVar(&depProductProps, "product-prop", nil, "Product property override (format: key=value)")
	_ = createDeploymentCmd.MarkFlagRequired("name")
	_ = createDeploymentCmd.MarkFlagRequired("environment-id")
	_ = createDeploymentCmd.MarkFlagRequired("product-id")

	createCmd.AddCommand(createEnvironmentCmd)
	createCmd.AddCommand(createProductCmd)
	createCmd.AddCommand(createDeploymentCmd)
}

func runCreateEnvironment(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	env := &ir.Environment{
		Name:            envName,
		Provider:        envProvider,
		AccountID:       envAccountID,
		Region:          envRegion,
		AccessKeyID:     envAccessKeyID,
		SecretAccessKey: envSecretAccessKey,
	}
	if err := store.CreateEnvironment(cmd.Context(), env); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created environment %d (%s)\n", env.ID, env.Name)
	return nil
}

func runCreateProduct(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p := &ir.Product{
		Name:               productName,
		Version:            productVersion,
		RepositoryURL:      productRepoURL,
		RepositoryUsername: productRepoUser,
		RepositoryPassword: productRepoPassword,
	}
	if err := store.CreateProduct(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created product %d (%s %s)\n", p.ID, p.Name, p.Version)
	return nil
}

func runCreateDeployment(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dep, err := store.CreateDeployment(cmd.Context(), ir.DeploymentRequest{
		Name:              depName,
		EnvironmentID:     depEnvironmentID,
		StackID:           depStackID,
		ProductID:         depProductID,
		StackProperties:   properties(depStackProps),
		ProductProperties: properties(depProductProps),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created deployment %d (%s) in status %s\n", dep.ID, dep.Name, dep.Status)
	return nil
}

// properties converts flag values to properties ordered by name.
func properties(m map[string]string) []ir.Property {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	props := make([]ir.Property, 0, len(keys))
	for _, k := range keys {
		props = append(props, ir.Property{Name: k, Value: m[k]})
	}
	return props
}
