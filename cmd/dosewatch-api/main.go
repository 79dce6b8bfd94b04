// Package main provides the dosewatch API entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "dosewatch-api",
		Short:         "Medication scheduling API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (env vars take precedence)")

	root.AddCommand(newServeCommand(&cfgFile))
	root.AddCommand(newMigrateCommand(&cfgFile))
	return root
}
