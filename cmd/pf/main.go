// Command pf is the local PromptFlow CLI: it tests flows, serves them
// over HTTP and manages batch runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pf",
		Short:         "Execute and manage prompt flows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newFlowCmd(), newRunCmd())
	return cmd
}

// setup loads configuration and builds the process logger.
func setup(serviceName string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, log, nil
}
