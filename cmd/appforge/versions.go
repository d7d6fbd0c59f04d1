package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"appforge/internal/repl"
)

var versionsAppDir string

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List, check out or revert app versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, env appEnv) error {
			list, err := env.res.Engine.VersionList(ctx, env.app.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), repl.RenderVersions(list, repl.PlainTheme()))
			return nil
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <oid>",
	Short: "Check out a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, env appEnv) error {
			if err := env.res.Engine.VersionCheckout(ctx, env.app.ID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked out %s\n", args[0])
			return nil
		})
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <oid>",
	Short: "Revert the app to a version and drop later chat messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, env appEnv) error {
			res, err := env.res.Engine.VersionRevert(ctx, env.app.ID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted as %s, %d message(s) removed\n", res.Version.OID, res.DeletedMessages)
			return nil
		})
	},
}

func init() {
	versionsCmd.PersistentFlags().StringVar(&versionsAppDir, "app", "", "app directory (defaults to the working directory)")
	versionsCmd.AddCommand(checkoutCmd, revertCmd)
}
