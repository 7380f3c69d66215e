/*
Package cli implements the commission-engine command line.

COMMANDS:
  serve              Run the HTTP API, event dispatcher and audit scheduler
  scenario [ID]      Load a demo scenario into the configured database
  reconcile          Run one balance audit and print mismatches

CONFIGURATION:
  --config points at a TOML file. A .env file in the working directory
  and the environment (PORT, DATABASE_URL, DB_DRIVER, REDIS_ADDR,
  REDIS_PASSWORD, ENV, LOG_LEVEL) override it.

SEE ALSO:
  - config/config.go: settings and precedence
  - api/server.go: routes
*/
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "commission-engine",
	Short: "Referral commission and wallet ledger engine",
	Long: `commission-engine pays multi-level referral commissions, task rewards
and voucher credits into an append-only wallet ledger, and serves the
result over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
