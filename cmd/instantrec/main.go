package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "instantrec",
		Short:   "Resilient segmented audio recorder",
		Version: version,
	}

	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(listCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
