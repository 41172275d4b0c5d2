// Package worker implements the digestd worker sub-command.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/pkg/events"
	"github.com/tidewire/digestd/pkg/jobqueue"
	"github.com/tidewire/digestd/pkg/metrics"
	"github.com/tidewire/digestd/pkg/pipeline"
	"github.com/tidewire/digestd/pkg/settings"
	"github.com/tidewire/digestd/pkg/topics"
	"github.com/tidewire/digestd/pkg/worker"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker.",
	Long: "Runs the background process that claims queued jobs and drives the\n" +
		"content pipeline, one job at a time. Scale out by running more workers.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(
			fx.StopTimeout(viper.GetDuration(ConfShutdownGrace)),
			fx.Invoke(Run),
		)
		app.Run()
	},
}

// Worker config keys.
const (
	ConfIdleBackoff    = "worker.idle_backoff"
	ConfDepthInterval  = "worker.depth_interval"
	ConfShutdownGrace  = "worker.shutdown_grace"
	ConfBudgetMonthly  = "budget.monthly_credits"
	ConfBudgetDaily    = "budget.daily_credits"
	ConfABTestFallback = "features.abtest"
)

func init() {
	viper.SetDefault(ConfIdleBackoff, 2*time.Second)
	viper.SetDefault(ConfDepthInterval, 15*time.Second)
	viper.SetDefault(ConfShutdownGrace, 20*time.Minute)
	viper.SetDefault(ConfBudgetMonthly, int64(0))
	viper.SetDefault(ConfBudgetDaily, int64(0))
	viper.SetDefault(ConfABTestFallback, false)
}

type workerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Redis     *redis.Client
	Keys      jobqueue.Keys
	Options   jobqueue.Options
	Producer  *jobqueue.Producer
	Store     *topics.Store
	Settings  settings.Backend
	Runner    pipeline.Runner
	Metrics   *metrics.Metrics
	Sink      *events.Sink `optional:"true"`
}

// Run starts the worker loop, the claim expirer and the queue depth poller
// under the fx lifecycle.
func Run(log *zap.Logger, inputs workerIn) {
	claimer := uuid.New().String()
	log.Info("Starting worker", zap.String("claimer", claimer))
	consumer := &jobqueue.Consumer{
		Redis:   inputs.Redis,
		Keys:    inputs.Keys,
		Claimer: claimer,
		Options: inputs.Options,
	}
	w := &worker.Worker{
		Log:      log.Named("worker"),
		Queue:    consumer,
		Store:    inputs.Store,
		Settings: inputs.Settings,
		Runner:   inputs.Runner,
		Metrics:  inputs.Metrics,
		Events:   inputs.Sink,
		Budget: worker.Budget{
			MonthlyCredits: viper.GetInt64(ConfBudgetMonthly),
			DailyCredits:   viper.GetInt64(ConfBudgetDaily),
		},
		IdleBackoff:   viper.GetDuration(ConfIdleBackoff),
		ABTestDefault: viper.GetBool(ConfABTestFallback),
	}
	expirer := &jobqueue.ExpirationWorker{
		Log:   log.Named("expire"),
		Redis: inputs.Redis,
		Callback: func(ctx context.Context, jobID, claimer string, attempt int) error {
			return consumer.Requeue(ctx, jobID, attempt, "claim expired")
		},
		Keys:         inputs.Keys,
		EmptyBackoff: viper.GetDuration(providers.ConfQueueExpireBackoff),
		BatchSize:    viper.GetUint(providers.ConfQueueExpireBatch),
	}
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Worker failed", zap.Error(err))
			if err := inputs.Shutdown.Shutdown(); err != nil {
				log.Fatal("Failed to shut down", zap.Error(err))
			}
		}
	})
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := expirer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Expiration worker failed", zap.Error(err))
			if err := inputs.Shutdown.Shutdown(); err != nil {
				log.Fatal("Failed to shut down", zap.Error(err))
			}
		}
	})
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		pollDepth(ctx, log, inputs.Producer, inputs.Metrics)
	})
}

// pollDepth periodically exports the queue depth gauge.
func pollDepth(ctx context.Context, log *zap.Logger, producer *jobqueue.Producer, m *metrics.Metrics) {
	ticker := time.NewTicker(viper.GetDuration(ConfDepthInterval))
	defer ticker.Stop()
	for {
		depth, err := producer.Depth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Failed to read queue depth", zap.Error(err))
		} else {
			m.QueueDepth.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
