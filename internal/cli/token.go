package cli

import (
	"fmt"
	"time"

	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/config"
	"github.com/knoguchi/docrag/internal/vectorstore"
	"github.com/spf13/cobra"
)

var tokenExpiry time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <identity>",
	Short: "Issue a bearer token for an identity",
	Long: `Issue a bearer token signed with JWT_SECRET from the environment or .env.
The identity is usually an email address and selects the tenant namespace.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var namespaceCmd = &cobra.Command{
	Use:   "namespace <identity>",
	Short: "Print the vector collection name of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := vectorstore.Namespace(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ns)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "token lifetime (default JWT_EXPIRY)")
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(namespaceCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jwtCfg := cfg.JWT()
	if tokenExpiry > 0 {
		jwtCfg.Expiry = tokenExpiry
	}
	signed, err := auth.NewJWTManager(jwtCfg).GenerateToken(args[0])
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}
