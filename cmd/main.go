package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/cmd/allinone"
	"github.com/tidewire/digestd/cmd/providers"
	"github.com/tidewire/digestd/cmd/scheduler"
	"github.com/tidewire/digestd/cmd/topic"
	"github.com/tidewire/digestd/cmd/worker"
)

var rootCmd = cobra.Command{
	Use:   "digestd",
	Short: "digestd content pipeline scheduler and worker",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
	},
}

var devMode bool

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")

	rootCmd.AddCommand(
		&scheduler.Cmd,
		&worker.Cmd,
		&allinone.Cmd,
		&topic.Cmd,
		&topic.JobCmd,
		&topic.SettingsCmd,
	)
}

func main() {
	// Optional .env file for local development.
	_ = godotenv.Load()
	viper.SetEnvPrefix("DIGESTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
