package client

import (
	"fmt"

	"github.com/spf13/cobra"

	transports "github.com/rzbill/redq/internal/cmd/client/transports"
)

// NewHealthCommand checks the server over the gRPC health service.
func NewHealthCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _ := cmd.Flags().GetString("service")
			status, err := transports.NewGrpcTransport(dialGRPCContext, svc).Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", status)
			return nil
		},
	}
	c.Flags().String("service", "", "Health service name (empty for the whole server)")
	return c
}
