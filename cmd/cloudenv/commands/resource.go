package commands

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudenv/pkg/api"
	"github.com/openfroyo/cloudenv/pkg/broker"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Create, inspect and delete brokered resources",
		Long: `Commands that call the resource endpoints of a running server.

Create, start and delete are accepted and run as background jobs; use
"resource get" to follow the provisioning status.`,
	}

	cmd.AddCommand(newResourceCreateCommand())
	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceJobCommand("start", "Start a stopped virtual machine", http.MethodPost, "/start"))
	cmd.AddCommand(newResourceJobCommand("delete", "Delete a resource and its owned components", http.MethodDelete, ""))
	cmd.AddCommand(newResourceQueueCommand())

	return cmd
}

func newResourceCreateCommand() *cobra.Command {
	var req broker.CreateRequest

	cmd := &cobra.Command{
		Use:   "create TYPE",
		Short: "Request a new resource",
		Example: `  # A VM with its default components
  cloudenv resource create ComputeVM --location westus2 --sku Standard_D4s_v3

  # A VM booting from an existing disk record
  cloudenv resource create ComputeVM --location westus2 --sku Standard_D4s_v3 \
    --os-disk 0f9d8c1e-8a55-4b7a-9e8c-3d1f0c2b7a10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = engine.ResourceType(args[0])
			var resp api.AcceptedResponse
			if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/api/v1/resources", &req, &resp); err != nil {
				return err
			}
			return printResult(resp, fmt.Sprintf("Accepted %s %s (job %s)", req.Type, resp.ResourceID, resp.JobID))
		},
	}

	cmd.Flags().StringVar(&req.ResourceID, "id", "", "resource id, generated when empty")
	cmd.Flags().StringVar(&req.Location, "location", "", "Azure location")
	cmd.Flags().StringVar(&req.SkuName, "sku", "", "VM size")
	cmd.Flags().StringVar(&req.OSDiskResourceID, "os-disk", "", "OSDisk resource id to boot from")
	cmd.Flags().StringVar(&req.SubnetID, "subnet", "", "subnet id for the network interface")
	cmd.Flags().BoolVar(&req.IsAssigned, "assigned", false, "mark the resource as assigned")
	cmd.Flags().BoolVar(&req.Preserve, "preserve", false, "keep the resource when its owner is deleted")
	cmd.Flags().StringToStringVar(&req.Tags, "tag", nil, "resource tags")
	_ = cmd.MarkFlagRequired("location")

	return cmd
}

func newResourceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a resource record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var record engine.ResourceRecord
			path := "/api/v1/resources/" + url.PathEscape(args[0])
			if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, nil, &record); err != nil {
				return err
			}
			return printResult(record, fmt.Sprintf("%s %s %s %s",
				record.ID, record.Type, record.Location, record.ProvisioningStatus))
		},
	}
}

func newResourceJobCommand(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.AcceptedResponse
			path := "/api/v1/resources/" + url.PathEscape(args[0]) + suffix
			if err := newAPIClient().do(cmd.Context(), method, path, nil, &resp); err != nil {
				return err
			}
			return printResult(resp, fmt.Sprintf("Accepted %s of %s (job %s)", use, resp.ResourceID, resp.JobID))
		},
	}
}

func newResourceQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue ID",
		Short: "Show the input queue of a virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var queue compute.QueueInfo
			path := "/api/v1/resources/" + url.PathEscape(args[0]) + "/queue"
			if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, nil, &queue); err != nil {
				return err
			}
			return printResult(queue, queue.QueueURL)
		},
	}
}
