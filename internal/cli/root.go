package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nbdeploy/internal/config"
)

type rootOptions struct {
	configPath string
}

func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "nbdeploy",
		Short: "deploy Jupyter notebooks as jobs on a remote data platform",
		Long: `nbdeploy turns a local notebook into a job on the platform.

Quick Start:
  nbdeploy config init
  nbdeploy doctor --online
  nbdeploy deploy analysis.ipynb

Notes:
  - Platform calls go through a local relay (started per command unless proxy.url is set)
  - Use --json on read-only commands for machine-readable output`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "config file path")

	root.AddCommand(
		newDeployCommand(opts),
		newDeploymentsCommand(opts),
		newProxyCommand(opts),
		newKernelsCommand(opts),
		newDoctorCommand(opts),
		newConfigCommand(opts),
	)
	return root
}
