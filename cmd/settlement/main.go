package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlement",
		Short:         "Settlement - payment confirmation and reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := serveCmd()
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(priceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
