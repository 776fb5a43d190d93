// Command github-broker runs the GitHub credential broker as a standalone
// HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "github-broker",
		Short: "GitHub credential broker for WordPress sites",
		Long: `github-broker runs the OAuth handshake against GitHub on behalf of
WordPress sites, issues opaque session tokens, and proxies a small set of
GitHub REST endpoints for authenticated sessions.

Configuration is read from the environment (a .env file is honored in
development). See 'github-broker serve --help' for the variables.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
