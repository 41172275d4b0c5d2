// Package scheduler implements the digestd scheduler sub-command.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/pkg/jobqueue"
	"github.com/tidewire/digestd/pkg/scheduler"
	"github.com/tidewire/digestd/pkg/topics"
	"github.com/tidewire/digestd/pkg/window"
)

// Cmd is the scheduler sub-command.
var Cmd = cobra.Command{
	Use:   "scheduler",
	Short: "Run the window scheduler.",
	Long: "Runs the background process that turns due topics into window-run jobs.\n" +
		"Running multiple schedulers is allowed: the queue deduplicates jobs.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(fx.Invoke(Run))
		app.Run()
	},
}

// Scheduler config keys.
const (
	ConfInterval    = "scheduler.interval"
	ConfStrategy    = "scheduler.strategy"
	ConfMaxLookback = "scheduler.max_lookback"
)

func init() {
	viper.SetDefault(ConfInterval, 5*time.Minute)
	viper.SetDefault(ConfStrategy, string(window.StrategyFixed))
	viper.SetDefault(ConfMaxLookback, 7*24*time.Hour)
}

type schedulerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Topics    *topics.Store
	Producer  *jobqueue.Producer
}

// Run starts the scheduler loop under the fx lifecycle.
func Run(log *zap.Logger, inputs schedulerIn) {
	sched := &scheduler.Scheduler{
		Log:    log.Named("scheduler"),
		Topics: inputs.Topics,
		Queue:  inputs.Producer,
		Windows: window.Generator{Config: window.Config{
			Strategy:    window.Strategy(viper.GetString(ConfStrategy)),
			MaxLookback: viper.GetDuration(ConfMaxLookback),
		}},
		Interval: viper.GetDuration(ConfInterval),
	}
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scheduler failed", zap.Error(err))
			if err := inputs.Shutdown.Shutdown(); err != nil {
				log.Fatal("Failed to shut down", zap.Error(err))
			}
		}
	})
}
