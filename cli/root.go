package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "dynlink",
	Short:        "Inspect shared ELF modules and resolve symbols across their dependency scope",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(depsCmd, symbolsCmd, resolveCmd, dumpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
