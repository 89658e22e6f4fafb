package cmd

import (
	"fmt"

	"github.com/nerdneilsfield/imagegen-broker/internal/vault"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:          "keygen",
		Short:        "Generate a fresh vault master key and salt",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateSecret(size)
			if err != nil {
				return err
			}
			salt, err := vault.GenerateSecret(size)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "# 更换密钥后已保存的 API key 将无法解密")
			fmt.Fprintf(out, "BROKER_VAULT_MASTER_KEY=%s\n", key)
			fmt.Fprintf(out, "BROKER_VAULT_SALT=%s\n", salt)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "Random bytes per secret")
	return cmd
}
