package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/redq/internal/config"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/policy"
)

// NewPolicyCommand constructs the `policy` command group.
func NewPolicyCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Redelivery policy operations"}
	cmd.AddCommand(newPolicyDelaysCommand(), newPolicyResolveCommand(baseURL))
	return cmd
}

func newPolicyDelaysCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "delays",
		Short: "Print the delay sequence a policy produces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			var s policy.Settings
			s.InitialRedeliveryDelayMs, _ = f.GetInt64("initial-delay-ms")
			s.RedeliveryDelayMs, _ = f.GetInt64("delay-ms")
			s.UseExponentialBackOff, _ = f.GetBool("exponential")
			s.BackOffMultiplier, _ = f.GetFloat64("multiplier")
			maxDelay, _ := f.GetInt64("max-delay-ms")
			s = s.WithMaximumDelayMs(maxDelay)
			s.MaximumRedeliveries, _ = f.GetInt("max-redeliveries")
			count, _ := f.GetInt("count")

			p := s.Policy()
			if err := p.Validate(); err != nil {
				return err
			}
			if count <= 0 {
				count = p.MaximumRedeliveries
				if p.Unlimited() || count > 20 {
					count = 20
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, p.String())
			for i, d := range p.Delays(count) {
				fmt.Fprintf(out, "redelivery %d: %dms\n", i+1, d.Milliseconds())
			}
			if !p.Unlimited() {
				fmt.Fprintf(out, "failure %d: dead-letter\n", p.MaximumRedeliveries+1)
			}
			return nil
		},
	}
	def := policy.SettingsOf(policy.Default())
	c.Flags().Int64("initial-delay-ms", def.InitialRedeliveryDelayMs, "Delay before the first redelivery")
	c.Flags().Int64("delay-ms", def.RedeliveryDelayMs, "Base redelivery delay")
	c.Flags().Bool("exponential", false, "Use exponential back-off")
	c.Flags().Float64("multiplier", def.BackOffMultiplier, "Back-off multiplier")
	c.Flags().Int64("max-delay-ms", *def.MaximumRedeliveryDelayMs, "Delay cap (-1 for none)")
	c.Flags().Int("max-redeliveries", def.MaximumRedeliveries, "Redeliveries before dead-lettering (-1 for unlimited)")
	c.Flags().Int("count", 0, "Number of delays to print (default: max-redeliveries, at most 20)")
	return c
}

func newPolicyResolveCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "resolve DESTINATION",
		Short: "Show which policy governs a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				res, err := getTransport(baseURL).Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			m, err := cfg.PolicyMap()
			if err != nil {
				return err
			}
			dest, err := destination.Parse(args[0])
			if err != nil {
				return err
			}
			p, pat, err := m.Lookup(dest)
			if err != nil {
				return err
			}
			matched := "(default)"
			if pat.Text() != "" {
				matched = pat.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n%s\n", dest, matched, p)
			return nil
		},
	}
	c.Flags().String("config", "", "Resolve against a local config file instead of the server")
	return c
}
