// appforge builds web apps through a chat with an LLM: it streams answers,
// gates tool calls on consent and versions every applied change.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "Chat-driven app builder with streamed answers, consent-gated tools and versioned changes.",
	// Without a subcommand the interactive chat starts.
	RunE:          runChat,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON, JSONC or YAML config file")
	registerChatFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, chatCmd, versionsCmd, quotaCmd, initCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
