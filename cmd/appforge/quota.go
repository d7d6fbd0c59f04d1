package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"appforge/internal/chat"
	"appforge/internal/repl"
)

var quotaCmd = &cobra.Command{
	Use:   "quota [mode]",
	Short: "Show quota usage for a mode",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := string(chat.ModeFree)
		if len(args) == 1 {
			mode = args[0]
		}
		res, err := build()
		if err != nil {
			return err
		}
		defer res.Close()
		st, err := res.Quota.Status(mode, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), repl.RenderQuota(st, repl.PlainTheme()))
		return nil
	},
}
