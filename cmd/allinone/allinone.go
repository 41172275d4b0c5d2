// Package allinone implements the digestd all-in-one sub-command.
package allinone

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/cmd/scheduler"
	"github.com/tidewire/digestd/cmd/worker"
)

// Cmd is the all-in-one sub-command.
var Cmd = cobra.Command{
	Use:   "allinone",
	Short: "Run scheduler and worker in one process.",
	Long: "Runs the scheduler and a single pipeline worker together.\n" +
		"Intended for local development and small deployments.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(opts...)
		app.Run()
	},
}

var opts = []fx.Option{
	// scheduler
	fx.Invoke(scheduler.Run),
	// worker
	fx.Invoke(worker.Run),
}
