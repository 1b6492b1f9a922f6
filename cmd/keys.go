// cmd/keys.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/sbexec/internal/auth"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage emulator API keys",
	Long:  `Commands for managing the API keys accepted by 'sbexec serve'.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anon and service_role API keys",
	Long: `Generates both anon and service_role API keys using SBEXEC_JWT_SECRET.
With --new-secret a fresh random secret is generated and printed as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var secret string
		if fresh, _ := cmd.Flags().GetBool("new-secret"); fresh {
			s, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			secret = s
			fmt.Fprintf(out, "SBEXEC_JWT_SECRET=%s\n", secret)
		} else {
			secret = jwtSecret(cmd)
		}
		keys := auth.NewKeys(secret)

		anonKey, err := keys.Generate(auth.RoleAnon)
		if err != nil {
			return fmt.Errorf("failed to generate anon key: %w", err)
		}

		serviceKey, err := keys.Generate(auth.RoleServiceRole)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		fmt.Fprintf(out, "SBEXEC_ANON_KEY=%s\n", anonKey)
		fmt.Fprintf(out, "SBEXEC_KEY=%s\n", serviceKey)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().Bool("new-secret", false, "Generate a new random JWT secret first")
}
