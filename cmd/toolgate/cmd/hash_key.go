package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [admin-key]",
	Short: "Generate an Argon2id hash for the admin API key",
	Long: `Generate an Argon2id hash of an admin key for use in config.

The output is a PHC-format string which can be directly used in the
admin.key_hash field. Legacy "sha256:<hex>" hashes are still accepted
there, but new keys should use Argon2id.

Example:
  toolgate hash-key "my-admin-key"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  toolgate hash-key "$TOOLGATE_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
