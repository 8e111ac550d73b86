package client

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	transports "github.com/rzbill/redq/internal/cmd/client/transports"
)

// NewDLQCommand constructs the `dlq` command group.
func NewDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Short: "Dead-letter operations"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			field, _ := cmd.Flags().GetString("field")
			value, _ := cmd.Flags().GetString("value")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			recs, err := getTransport(baseURL).ListDeadLetters(cmd.Context(), transports.DeadLetterQuery{Field: field, Value: value, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				items := make([]map[string]any, 0, len(recs))
				for _, r := range recs {
					item := decodedBody(r.Body)
					item["messageId"] = r.MessageID
					item["originalMessageId"] = r.OriginalMessageID
					item["originalDestination"] = r.OriginalDestination
					item["redeliveryCounter"] = r.RedeliveryCounter
					item["cause"] = r.Cause
					item["divertedAt"] = r.DivertedAt
					if len(r.Properties) > 0 {
						item["properties"] = r.Properties
					}
					items = append(items, item)
				}
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORIGINAL\tMESSAGE\tCOUNTER\tCAUSE")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.OriginalDestination, r.OriginalMessageID, r.RedeliveryCounter, r.Cause)
			}
			return tw.Flush()
		},
	}
	list.Flags().String("field", "", "Filter field: destination|id|counter|cause|body")
	list.Flags().String("value", "", "Filter value")
	list.Flags().Int("limit", 50, "Maximum records to list")
	list.Flags().Bool("json", false, "Print records as JSON")
	cmd.AddCommand(list)
	return cmd
}
