package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syncprov:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "syncprov",
		Short:         "Directory change-replication provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration")

	root.AddCommand(
		newServeCmd(&configPath),
		newContextCSNCmd(&configPath),
		newRefreshCmd(&configPath),
		newStatusCmd(&configPath),
		newWriteCmd(&configPath),
		newCookieCmd(),
	)
	return root
}
