package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "show <user-id>",
		Short:        "Print a user's balance",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := bootstrap(configPath, verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			balance, err := a.ledger.Balance(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: %d credits\n", id, balance)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:          "grant <user-id> <amount>",
		Short:        "Add credits to a user, bounded by credits.topUpCap",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			a, err := bootstrap(configPath, verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			balance, err := a.ledger.Add(cmd.Context(), id, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: %d credits\n", id, balance)
			return nil
		},
	})
	return cmd
}
