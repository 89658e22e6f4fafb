package cmd

import (
	"fmt"
	"time"

	"github.com/nerdneilsfield/imagegen-broker/internal/auth"
	"github.com/spf13/cobra"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage broker users",
	}
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserTokenCmd())
	return cmd
}

type tokenFlags struct {
	admin bool
	ttl   time.Duration
}

func (f *tokenFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.admin, "admin", false, "Issue the token with the admin role")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 30*24*time.Hour, "Token lifetime")
}

func (f *tokenFlags) issue(a *app, userID int64) (string, error) {
	role := ""
	if f.admin {
		role = auth.RoleAdmin
	}
	return a.authorizer.Issue(userID, role, f.ttl)
}

func newUserCreateCmd() *cobra.Command {
	var (
		credits   int
		withToken bool
		tf        tokenFlags
	)
	cmd := &cobra.Command{
		Use:          "create <username>",
		Short:        "Create a user, optionally printing an access token",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if credits < 0 {
				return fmt.Errorf("initial credits must not be negative")
			}
			a, err := bootstrap(configPath, verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.users.Create(cmd.Context(), args[0], credits)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created user %d (%s) with %d credits\n", u.ID, u.Username, u.Credits)
			if withToken || tf.admin {
				token, err := tf.issue(a, u.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "token: %s\n", token)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&credits, "credits", 0, "Initial credit balance")
	cmd.Flags().BoolVar(&withToken, "token", false, "Print an access token for the new user")
	tf.register(cmd)
	return cmd
}

func newUserTokenCmd() *cobra.Command {
	var tf tokenFlags
	cmd := &cobra.Command{
		Use:          "token <user-id>",
		Short:        "Issue an access token for an existing user",
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

			if _, err := a.users.Get(cmd.Context(), id); err != nil {
				return err
			}
			token, err := tf.issue(a, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}
