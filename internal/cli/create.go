package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/model"
)

var (
	createType        string
	createSku         string
	createLocation    string
	createProvider    string
	createPool        string
	createEnvironment string
	createProperties  map[string]string
	createReason      string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a create chain for one resource",
	Long: `Queues a create chain. The chain runs on whichever broker is
running against the same queue and store.

With --pool the resource is built from that pool's definition and joins the
pool unassigned. Otherwise --type, --sku, --location and --provider describe
it and --environment assigns it straight away.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createType, "type", "", "Resource type (compute, storage, network)")
	f.StringVar(&createSku, "sku", "", "SKU name")
	f.StringVar(&createLocation, "location", "", "Location")
	f.StringVar(&createProvider, "provider", "", "Provider name")
	f.StringVar(&createPool, "pool", "", "Create for this pool code")
	f.StringVar(&createEnvironment, "environment", "", "Assign the resource to this environment")
	f.StringToStringVar(&createProperties, "property", nil, "Provider property (key=value, repeatable)")
	f.StringVar(&createReason, "reason", "Cli", "Reason recorded on the chain")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var resourceID, chainID string
	if createPool != "" {
		def, ok := broker.LookupDefinition(a.pools, createPool)
		if !ok {
			return fmt.Errorf("unknown pool: %s", createPool)
		}
		resourceID, chainID, err = a.manager.CreateForPool(ctx, def, createReason)
	} else {
		payload := continuation.CreatePayload{
			Type:       model.ResourceType(createType),
			SkuName:    createSku,
			Location:   createLocation,
			Provider:   createProvider,
			Properties: createProperties,
			IsAssigned: createEnvironment != "",
		}
		resourceID, chainID, err = a.ops.CreateResource(ctx, payload, createEnvironment, createReason)
	}

	audit(AuditEntry{
		Operation:  "create",
		ResourceID: resourceID,
		ChainID:    chainID,
		Reason:     createReason,
	}, err)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%sCreate chain started%s\n", colorize(colorGreen), colorize(colorReset))
	fmt.Fprintf(out, "  resource: %s\n  chain:    %s\n", resourceID, chainID)
	warnEphemeral(cmd, cfg.Queue.Type)
	return nil
}
