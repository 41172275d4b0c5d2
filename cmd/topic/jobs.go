package topic

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/pkg/jobqueue"
	"github.com/tidewire/digestd/pkg/topics"
	"github.com/tidewire/digestd/pkg/types"
)

var runCmd = cobra.Command{
	Use:   "run <topic>",
	Short: "Enqueue a manual window run",
	Long: "Enqueues a run_window job for an explicit window.\n" +
		"Manual runs never advance the topic cursor.",
	Args: cobra.ExactArgs(1),
	Run:  providers.NewCmd(runManualRun),
}

var (
	runStart    string
	runEnd      string
	runMode     string
	runProvider string
)

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runStart, "start", "", "window start (RFC 3339)")
	flags.StringVar(&runEnd, "end", "", "window end (RFC 3339)")
	flags.StringVar(&runMode, "mode", "", "run mode override")
	flags.StringVar(&runProvider, "provider", "", "LLM provider override")
	Cmd.AddCommand(&runCmd)
}

func runManualRun(args []string, log *zap.Logger, store *topics.Store, producer *jobqueue.Producer) {
	ctx := context.Background()
	topic, err := store.Get(ctx, args[0])
	if err != nil {
		log.Fatal("Failed to read topic", zap.Error(err))
	}
	window := parseWindow(runStart, runEnd)
	mode := topic.Mode
	if runMode != "" {
		mode = types.Mode(runMode)
	}
	job := types.NewRunWindowJob(types.RunWindowSpec{
		UserID:           topic.UserID,
		TopicID:          topic.ID,
		Window:           window,
		Mode:             mode,
		Depth:            topic.Depth,
		ProviderOverride: runProvider,
	}, types.TriggerManual, time.Now())
	enqueue(ctx, log, producer, job)
}

var abtestCmd = cobra.Command{
	Use:   "abtest <topic>",
	Short: "Enqueue an A/B comparison run",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runABTest),
}

var (
	abtestStart    string
	abtestEnd      string
	abtestVariants string
)

func init() {
	flags := abtestCmd.Flags()
	flags.StringVar(&abtestStart, "start", "", "window start (RFC 3339)")
	flags.StringVar(&abtestEnd, "end", "", "window end (RFC 3339)")
	flags.StringVar(&abtestVariants, "variants", "", "comma-separated variant list")
	Cmd.AddCommand(&abtestCmd)
}

func runABTest(args []string, log *zap.Logger, store *topics.Store, producer *jobqueue.Producer) {
	ctx := context.Background()
	topic, err := store.Get(ctx, args[0])
	if err != nil {
		log.Fatal("Failed to read topic", zap.Error(err))
	}
	variants := strings.Split(abtestVariants, ",")
	if abtestVariants == "" || len(variants) < 2 {
		fmt.Fprintln(os.Stderr, "Need at least two variants")
		os.Exit(1)
	}
	job := types.NewABTestJob(types.ABTestSpec{
		UserID:   topic.UserID,
		TopicID:  topic.ID,
		Window:   parseWindow(abtestStart, abtestEnd),
		Mode:     topic.Mode,
		Variants: variants,
	}, time.Now())
	enqueue(ctx, log, producer, job)
}

// JobCmd groups the queue-level admin sub-commands.
var JobCmd = cobra.Command{
	Use:   "job",
	Short: "Manage queued jobs",
}

var summaryCmd = cobra.Command{
	Use:   "summary <user> <content-hash>",
	Short: "Enqueue an aggregate summary run",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runSummary),
}

var packCmd = cobra.Command{
	Use:   "pack <pack> <user> <topic>",
	Short: "Enqueue a catch-up pack run",
	Args:  cobra.ExactArgs(3),
	Run:   providers.NewCmd(runPack),
}

var (
	packStart string
	packEnd   string
)

func init() {
	flags := packCmd.Flags()
	flags.StringVar(&packStart, "start", "", "window start (RFC 3339)")
	flags.StringVar(&packEnd, "end", "", "window end (RFC 3339)")
	JobCmd.AddCommand(&summaryCmd)
	JobCmd.AddCommand(&packCmd)
	JobCmd.AddCommand(&historyCmd)
}

func runSummary(args []string, log *zap.Logger, producer *jobqueue.Producer) {
	job := types.NewAggregateSummaryJob(types.AggregateSummarySpec{
		UserID:      args[0],
		ContentHash: args[1],
	}, time.Now())
	enqueue(context.Background(), log, producer, job)
}

func runPack(args []string, log *zap.Logger, producer *jobqueue.Producer) {
	job := types.NewCatchupPackJob(types.CatchupPackSpec{
		PackID:  args[0],
		UserID:  args[1],
		TopicID: args[2],
		Window:  parseWindow(packStart, packEnd),
	}, time.Now())
	enqueue(context.Background(), log, producer, job)
}

var historyCmd = cobra.Command{
	Use:   "history",
	Short: "Show recently completed and failed jobs",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runHistory),
}

func runHistory(log *zap.Logger, rd *redis.Client, keys jobqueue.Keys, opts jobqueue.Options) {
	consumer := &jobqueue.Consumer{Redis: rd, Keys: keys, Options: opts}
	completed, failed, err := consumer.History(context.Background())
	if err != nil {
		log.Fatal("Failed to read job history", zap.Error(err))
	}
	for _, id := range completed {
		fmt.Printf("completed\t%s\n", id)
	}
	for _, rec := range failed {
		fmt.Printf("failed\t%s\tattempts=%d\t%s\t%s\n",
			rec.ID, rec.Attempts, rec.FailedAt.Format(time.RFC3339), rec.Reason)
	}
}

func enqueue(ctx context.Context, log *zap.Logger, producer *jobqueue.Producer, job *types.Job) {
	inserted, err := producer.Enqueue(ctx, job)
	if err != nil {
		log.Fatal("Failed to enqueue job", zap.Error(err))
	}
	if !inserted {
		fmt.Println("DUPLICATE", job.ID)
		return
	}
	fmt.Println(job.ID)
}

func parseWindow(start, end string) types.Window {
	if start == "" || end == "" {
		fmt.Fprintln(os.Stderr, "Both --start and --end are required")
		os.Exit(1)
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid --start:", err)
		os.Exit(1)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid --end:", err)
		os.Exit(1)
	}
	w := types.Window{Start: s.UTC(), End: e.UTC()}
	if !w.Valid() {
		fmt.Fprintln(os.Stderr, "Window start must precede end")
		os.Exit(1)
	}
	return w
}
