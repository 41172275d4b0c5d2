package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/pkg/settings"
)

// SettingsCmd manages runtime settings such as feature flags.
var SettingsCmd = cobra.Command{
	Use:   "settings",
	Short: "Manage runtime settings",
}

var settingsGetCmd = cobra.Command{
	Use:   "get <name>",
	Short: "Print a settings document",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runSettingsGet),
}

var settingsSetCmd = cobra.Command{
	Use:   "set <name> <json>",
	Short: "Write a settings document",
	Long: "Writes a JSON settings document. Workers pick up changes within\n" +
		"their cache TTL, no restart needed.",
	Args: cobra.ExactArgs(2),
	Run:  providers.NewCmd(runSettingsSet),
}

func init() {
	SettingsCmd.AddCommand(&settingsGetCmd)
	SettingsCmd.AddCommand(&settingsSetCmd)
}

func runSettingsGet(args []string, log *zap.Logger, store *settings.Store) {
	doc, err := store.Load(context.Background(), args[0])
	if err == settings.ErrNotFound {
		fmt.Fprintln(os.Stderr, "Not found:", args[0])
		os.Exit(1)
	} else if err != nil {
		log.Fatal("Failed to load setting", zap.Error(err))
	}
	fmt.Println(string(doc))
}

func runSettingsSet(args []string, log *zap.Logger, store *settings.Store) {
	name, doc := args[0], args[1]
	if !json.Valid([]byte(doc)) {
		fmt.Fprintln(os.Stderr, "Invalid JSON document")
		os.Exit(1)
	}
	if err := store.Save(context.Background(), name, json.RawMessage(doc)); err != nil {
		log.Fatal("Failed to save setting", zap.Error(err))
	}
	fmt.Println("OK")
}
