package main

import (
	"context"
	"os"

	"persona-chat/backend/pkg/config"
	"persona-chat/backend/pkg/logger"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "persona-chat",
	Short: "Branching persona chat backend",
	Long: `persona-chat serves branching conversations with AI personas: streamed
replies, alternative branches per message and checkpoint summaries that keep
long chats within the model's context.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(config.New())
	},
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug,info,warn,error), overrides LOG_LEVEL")
}

func setupLogger(cfg *config.Config) *logger.Logger {
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	if logLevel != "" {
		logConfig.Level = logLevel
	}
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)
	return log
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.GetGlobal().LogError(err, "command failed")
		os.Exit(1)
	}
}
