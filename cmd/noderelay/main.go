package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "noderelay",
	Short: "API-keyed JSON-RPC relay for a Solana RPC node",
	Long: `noderelay accepts JSON-RPC calls on behalf of an upstream Solana node.

Each call is checked against its API key and the caller's tier limit, scored
for abuse by client IP, then forwarded with up to three attempts. Every
attempt is accounted in hourly usage buckets per caller, key and method.

Run "noderelay migrate" once against the ledger database, "noderelay seed" to
create a local caller, then "noderelay serve".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; NODERELAY_* env vars override it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
