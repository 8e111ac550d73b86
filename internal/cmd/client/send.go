package client

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSendCommand constructs the `send` command.
func NewSendCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a queue or topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest, _ := cmd.Flags().GetString("destination")
			body, _ := cmd.Flags().GetString("body")
			rawProps, _ := cmd.Flags().GetStringArray("prop")
			if dest == "" {
				return errors.New("--destination is required")
			}
			props, err := parseProps(rawProps)
			if err != nil {
				return err
			}
			id, err := getTransport(baseURL).Send(cmd.Context(), dest, []byte(body), props)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "id:", id)
			return nil
		},
	}
	c.Flags().StringP("destination", "d", "", "Destination, e.g. queue://orders or topic://prices")
	c.Flags().String("body", "", "Message body")
	c.Flags().StringArray("prop", nil, "Message property key=value (repeatable)")
	return c
}

// NewRedeliveryCommand constructs the `redelivery` command group.
func NewRedeliveryCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "redelivery", Short: "Redelivery state inspection"}
	cmd.AddCommand(&cobra.Command{
		Use:   "state KEY",
		Short: "Show the redelivery state of a message key, e.g. queue://orders/<id>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := getTransport(baseURL).State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	})
	return cmd
}
