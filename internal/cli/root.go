// Package cli implements docragctl, the operator command line for the
// document retrieval service.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	grpcAddr string
	token    string
)

var rootCmd = &cobra.Command{
	Use:   "docragctl",
	Short: "Operate a docrag document retrieval service",
	Long: `docragctl issues identity tokens, inspects tenant namespaces, dry-runs
text extraction and chunking on local files, and queries a running server
over gRPC.

Example usage:
  docragctl token jane@example.com              # Issue a bearer token
  docragctl namespace jane@example.com          # Show the tenant collection name
  docragctl extract "docs/**/*.pdf"             # Preview extraction and chunking
  docragctl search "contact email" --token $T   # Query the server`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "addr", "localhost:9090", "gRPC address of the server")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DOCRAG_TOKEN"), "bearer token (default $DOCRAG_TOKEN)")
}
