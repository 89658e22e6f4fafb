package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/nerdneilsfield/imagegen-broker/internal/profile"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage upstream API profiles",
	}
	cmd.AddCommand(newProfileListCmd())
	cmd.AddCommand(newProfileCreateCmd())
	cmd.AddCommand(newProfileActivateCmd())
	cmd.AddCommand(newProfileDeleteCmd())
	cmd.AddCommand(newProfileTestCmd())
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List profiles with masked keys",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			views, err := a.profiles.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tBASE URL\tKEY\tFINGERPRINT")
			for _, v := range views {
				active := ""
				if v.IsActive {
					active = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, active, v.BaseURL, v.MaskedKey, v.Fingerprint)
			}
			return w.Flush()
		},
	}
}

func newProfileCreateCmd() *cobra.Command {
	var p profile.CreateParams
	cmd := &cobra.Command{
		Use:          "create",
		Short:        "Create a profile; the API key is read from stdin when --api-key is empty",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.APIKey == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("api key is required, pass --api-key or pipe it on stdin")
				}
				p.APIKey = strings.TrimSpace(line)
			}

			a, err := bootstrap(configPath, verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.profiles.Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created profile %d (%s)\n", id, p.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "Unique profile name")
	cmd.Flags().StringVar(&p.BaseURL, "base-url", "", "Upstream base URL, e.g. https://api.example.com")
	cmd.Flags().StringVar(&p.APIKey, "api-key", "", "Upstream API key")
	cmd.Flags().StringVar(&p.Description, "description", "", "Free-form description")
	cmd.Flags().BoolVar(&p.MakeActive, "activate", false, "Make this the active profile")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

func newProfileActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "activate <id>",
		Short:        "Make a profile the active one",
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

			v, err := a.profiles.Activate(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %d (%s) is now active\n", v.ID, v.Name)
			return nil
		},
	}
}

func newProfileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <id>",
		Short:        "Delete an inactive profile",
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

			if err := a.profiles.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted profile %d\n", id)
			return nil
		},
	}
}

func newProfileTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "test <id>",
		Short:        "Probe the upstream models endpoint with a saved profile",
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

			creds, err := a.profiles.Resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			res := a.client.TestConnection(cmd.Context(), creds, a.cfg.Upstream.ProbeTimeout.Duration)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reachable: %t\n", res.Reachable)
			if res.StatusCode != 0 {
				fmt.Fprintf(out, "status: %d\n", res.StatusCode)
			}
			fmt.Fprintf(out, "message: %s\n", res.Message)
			fmt.Fprintf(out, "latency: %s\n", res.Latency)
			if len(res.Models) > 0 {
				fmt.Fprintf(out, "models: %s\n", strings.Join(res.Models, ", "))
			}
			if !res.Reachable {
				return fmt.Errorf("profile %d failed the connection test", id)
			}
			return nil
		},
	}
}
