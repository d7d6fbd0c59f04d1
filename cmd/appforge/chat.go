package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"appforge/internal/chat"
	"appforge/internal/i18n"
	"appforge/internal/repl"
)

var (
	chatAppDir string
	chatMode   string
	chatConv   int64
	chatPlain  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat for the app in the current directory",
	RunE:  runChat,
}

func registerChatFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chatAppDir, "app", "", "app directory (defaults to the working directory)")
	cmd.Flags().StringVar(&chatMode, "mode", string(chat.ModeBuild), "chat mode: build, ask, agent or free")
	cmd.Flags().Int64Var(&chatConv, "conversation", 0, "resume a conversation by id")
	cmd.Flags().BoolVar(&chatPlain, "plain", false, "disable colors")
}

func init() {
	registerChatFlags(chatCmd)
}

func runChat(_ *cobra.Command, _ []string) error {
	res, err := build()
	if err != nil {
		return err
	}
	defer res.Close()

	ctx := context.Background()
	app, err := resolveApp(ctx, res, chatAppDir, "")
	if err != nil {
		return err
	}

	var conv chat.Conversation
	if chatConv > 0 {
		if conv, err = res.Store.LoadConversation(chatConv); err != nil {
			return err
		}
		if conv.AppID != app.ID {
			return fmt.Errorf("conversation %d belongs to another app", chatConv)
		}
	} else if conv, err = res.Store.CreateConversation(app.ID, "", chat.ParseMode(chatMode)); err != nil {
		return err
	}

	input, inputErr := repl.NewLineInput(filepath.Join(res.Config.Storage.BaseDir, "repl.history"))
	if inputErr != nil {
		fmt.Fprintf(os.Stderr, "line editor unavailable, fallback to basic input: %v\n", inputErr)
	}
	defer input.Close()

	theme := repl.DarkTheme()
	if chatPlain {
		theme = repl.PlainTheme()
	}
	loop := repl.NewLoop(res, app, conv, repl.Options{
		Input:      input,
		Out:        os.Stdout,
		Theme:      theme,
		ProjectDir: app.Path,
		Messages:   i18n.Global(),
	})
	return loop.Run(ctx)
}
