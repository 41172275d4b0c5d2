// Package providers holds the fx constructors shared by the digestd
// sub-commands.
package providers

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger, built by the root command.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// metrics.go
	NewMetrics,
	// mysql.go
	NewMySQL,
	// pipeline.go
	NewRunner,
	// providers.go
	NewContext,
	// queue.go
	NewQueueKeys,
	NewQueueOptions,
	NewQueueProducer,
	// redis.go
	NewRedis,
	// sarama.go
	NewEventSink,
	// stores.go
	NewTopicStore,
	NewSettingsStore,
	NewSettingsBackend,
}

// NewApp builds an fx app with the shared providers plus extra options.
func NewApp(opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd wraps a one-shot invoke function into a cobra run function.
// The app starts, runs the invoke, and stops, without waiting for signals.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Invoke(invoke),
		)
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		stopCtx, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel2()
		if err := app.Stop(stopCtx); err != nil {
			Log.Fatal("Failed to stop", zap.Error(err))
		}
	}
}

// NewContext returns a context that is canceled when the app stops.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

// RunWithContext runs a background loop under the fx lifecycle. On stop the
// loop context is canceled and the hook waits for the loop to return, so an
// in-flight unit of work can finish within the app's stop timeout.
func RunWithContext(lc fx.Lifecycle, run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
