package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the redq client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "redq",
		Short: "redq client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers every client command group on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewPolicyCommand(baseURL),
		NewDLQCommand(baseURL),
		NewSendCommand(baseURL),
		NewRedeliveryCommand(baseURL),
		NewHealthCommand(),
	)
}
