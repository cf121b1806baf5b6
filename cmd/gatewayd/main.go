package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "gatewayd - multi-tier function dispatch and execution gateway",
		Long:  "A gateway that dispatches code, generative, agentic, human, and cascade function invocations across fixed per-tier timeout budgets.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		deployCmd(),
		invokeCmd(),
		rollbackCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
