// Package topic implements the digestd admin sub-commands.
package topic

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/pkg/settings"
	"github.com/tidewire/digestd/pkg/topics"
	"github.com/tidewire/digestd/pkg/types"
)

// Cmd is the topic admin sub-command.
var Cmd = cobra.Command{
	Use:   "topic",
	Short: "Manage topics",
}

var initDBCmd = cobra.Command{
	Use:   "init-db",
	Short: "Create the digestd database tables",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runInitDB),
}

func init() {
	Cmd.AddCommand(&initDBCmd)
}

func runInitDB(log *zap.Logger, store *topics.Store, settingsStore *settings.Store) {
	ctx := context.Background()
	if err := store.CreateTables(ctx); err != nil {
		log.Fatal("Failed to create topic tables", zap.Error(err))
	}
	if err := settingsStore.CreateTable(ctx); err != nil {
		log.Fatal("Failed to create settings table", zap.Error(err))
	}
	fmt.Println("OK")
}

var createCmd = cobra.Command{
	Use:   "create <user> <name>",
	Short: "Create a topic",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runCreate),
}

var (
	createInterval time.Duration
	createMode     string
	createDepth    int
)

func init() {
	flags := createCmd.Flags()
	flags.DurationVar(&createInterval, "interval", 24*time.Hour, "digest interval")
	flags.StringVar(&createMode, "mode", string(types.ModeNormal), "run mode (low, normal, high)")
	flags.IntVar(&createDepth, "depth", 50, "search depth (0-100)")
	Cmd.AddCommand(&createCmd)
}

func runCreate(args []string, log *zap.Logger, store *topics.Store) {
	ctx := context.Background()
	userID, name := args[0], args[1]
	if createInterval < time.Minute {
		fmt.Fprintln(os.Stderr, "Interval must be at least one minute")
		os.Exit(1)
	}
	if err := store.CreateUser(ctx, userID); err != nil {
		log.Fatal("Failed to ensure user", zap.Error(err))
	}
	topic := &types.Topic{
		ID:              uuid.New().String(),
		UserID:          userID,
		ScheduleEnabled: true,
		IntervalMinutes: int(createInterval / time.Minute),
		Mode:            types.Mode(createMode),
		Depth:           createDepth,
	}
	if err := store.CreateTopic(ctx, topic, name); err != nil {
		log.Fatal("Failed to create topic", zap.Error(err))
	}
	fmt.Println(topic.ID)
}

var listCmd = cobra.Command{
	Use:   "list [user]",
	Short: "List topics",
	Args:  cobra.MaximumNArgs(1),
	Run:   providers.NewCmd(runList),
}

func init() {
	Cmd.AddCommand(&listCmd)
}

func runList(args []string, log *zap.Logger, store *topics.Store) {
	var userID string
	if len(args) > 0 {
		userID = args[0]
	}
	list, err := store.List(context.Background(), userID)
	if err != nil {
		log.Fatal("Failed to list topics", zap.Error(err))
	}
	for _, t := range list {
		cursor := "-"
		if t.CursorEnd != nil {
			cursor = t.CursorEnd.Format(time.RFC3339)
		}
		fmt.Printf("%s\tuser=%s\tenabled=%t\tinterval=%dm\tmode=%s\tcursor=%s\n",
			t.ID, t.UserID, t.ScheduleEnabled, t.IntervalMinutes, t.Mode, cursor)
	}
}

var pauseCmd = cobra.Command{
	Use:   "pause <topic>",
	Short: "Pause a topic's schedule",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runPause),
}

var resumeCmd = cobra.Command{
	Use:   "resume <topic>",
	Short: "Resume a topic's schedule",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runResume),
}

func init() {
	Cmd.AddCommand(&pauseCmd)
	Cmd.AddCommand(&resumeCmd)
}

func runPause(args []string, log *zap.Logger, store *topics.Store) {
	setEnabled(args[0], false, log, store)
}

func runResume(args []string, log *zap.Logger, store *topics.Store) {
	setEnabled(args[0], true, log, store)
}

func setEnabled(topicID string, enabled bool, log *zap.Logger, store *topics.Store) {
	if err := store.SetScheduleEnabled(context.Background(), topicID, enabled); err != nil {
		log.Fatal("Failed to update topic", zap.Error(err))
	}
	fmt.Println("OK")
}
