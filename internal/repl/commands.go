package repl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"appforge/internal/chat"
	"appforge/internal/config"
)

type command struct {
	name string
	// usage is a message catalog key.
	usage string
}

var commands = []command{
	{"/help", "cmd.help"},
	{"/exit", "cmd.exit"},
	{"/new", "cmd.new"},
	{"/mode", "cmd.mode"},
	{"/history", "cmd.history"},
	{"/show", "cmd.show"},
	{"/proposal", "cmd.proposal"},
	{"/approve", "cmd.approve"},
	{"/reject", "cmd.reject"},
	{"/versions", "cmd.versions"},
	{"/checkout", "cmd.checkout"},
	{"/revert", "cmd.revert"},
	{"/favorite", "cmd.favorite"},
	{"/quota", "cmd.quota"},
	{"/tokens", "cmd.tokens"},
	{"/model", "cmd.model"},
	{"/consent", "cmd.consent"},
}

var errUsage = errors.New("usage")

func (l *Loop) printHelp() {
	fmt.Fprintln(l.out, l.msg.T("repl.help"))
	for _, c := range commands {
		fmt.Fprintf(l.out, "  %-10s %s\n", c.name, l.theme.Muted.Render(l.msg.T(c.usage)))
	}
}

// handleCommand runs a slash command and reports whether the REPL should exit.
func (l *Loop) handleCommand(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	args := parts[1:]
	err := func() error {
		switch parts[0] {
		case "/exit", "/quit":
			return nil
		case "/help":
			l.printHelp()
		case "/new":
			mode := l.conv.Mode
			if len(args) > 0 {
				mode = chat.ParseMode(args[0])
			}
			conv, err := l.res.Store.CreateConversation(l.app.ID, "", mode)
			if err != nil {
				return err
			}
			l.conv = conv
			fmt.Fprintln(l.out, l.msg.T("result.new_conversation", conv.ID, conv.Mode))
		case "/mode":
			if len(args) != 1 {
				return fmt.Errorf("%w: /mode <build|ask|agent|free>", errUsage)
			}
			mode := chat.ParseMode(strings.ToLower(args[0]))
			if err := l.res.Store.SetConversationMode(l.conv.ID, mode); err != nil {
				return err
			}
			l.conv.Mode = mode
		case "/history":
			msgs, err := l.res.Store.LoadMessages(l.conv.ID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(l.out, "%s %s\n", l.theme.Badge.Render(fmt.Sprintf("%-9s", m.Role)), firstLine(m.Content))
			}
		case "/show":
			msg, err := l.res.Store.LatestAssistantMessage(l.conv.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(l.out, RenderMarkdown(msg.Content, l.width))
		case "/proposal":
			view, err := l.eng.Proposal(l.conv.ID)
			if err != nil {
				return err
			}
			if view.Proposal == nil {
				fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("proposal.none")))
				return nil
			}
			fmt.Fprintln(l.out, RenderProposal(view.Proposal, l.theme))
			fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("proposal.state", orDefault(string(view.ApprovalState), "none"))))
		case "/approve", "/reject":
			msg, err := l.res.Store.LatestAssistantMessage(l.conv.ID)
			if err != nil {
				return err
			}
			if parts[0] == "/approve" {
				return l.approve(ctx, msg.ID)
			}
			if err := l.eng.ProposalReject(ctx, l.conv.ID, msg.ID); err != nil {
				return err
			}
			fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("proposal.rejected")))
		case "/versions":
			list, err := l.eng.VersionList(ctx, l.app.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(l.out, RenderVersions(list, l.theme))
		case "/checkout":
			if len(args) != 1 {
				return fmt.Errorf("%w: /checkout <oid>", errUsage)
			}
			if err := l.eng.VersionCheckout(ctx, l.app.ID, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(l.out, l.theme.Success.Render(l.msg.T("result.checked_out", short(args[0]))))
		case "/revert":
			if len(args) != 1 {
				return fmt.Errorf("%w: /revert <oid>", errUsage)
			}
			res, err := l.eng.VersionRevert(ctx, l.app.ID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(l.out, l.theme.Success.Render(l.msg.T("result.reverted", short(res.Version.OID), res.DeletedMessages)))
		case "/favorite":
			if len(args) != 1 {
				return fmt.Errorf("%w: /favorite <oid>", errUsage)
			}
			return l.toggleFavorite(ctx, args[0])
		case "/quota":
			mode := string(l.conv.Mode)
			if len(args) > 0 {
				mode = args[0]
			}
			st, err := l.eng.QuotaStatus(mode)
			if err != nil {
				return err
			}
			fmt.Fprintln(l.out, RenderQuota(st, l.theme))
		case "/tokens":
			res, err := l.eng.TokenCount(l.conv.ID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(l.out, l.msg.T("result.tokens", res.EstimatedTotalTokens, res.ContextWindow, res.Threshold))
		case "/model":
			if len(args) != 1 {
				return fmt.Errorf("%w: /model <name>", errUsage)
			}
			if err := l.res.Provider.SetModel(args[0]); err != nil {
				return err
			}
			if l.projectDir != "" {
				if err := config.WriteProviderModel(l.projectDir, args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintln(l.out, l.msg.T("result.model", args[0]))
		case "/consent":
			if len(args) != 2 {
				return fmt.Errorf("%w: /consent <tool> <always|ask|never>", errUsage)
			}
			if l.projectDir == "" {
				return errors.New("no project directory to persist to")
			}
			if err := config.WriteConsentLevel(l.projectDir, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("result.saved")))
		default:
			return fmt.Errorf("unknown command %s", parts[0])
		}
		return nil
	}()
	exit := parts[0] == "/exit" || parts[0] == "/quit"
	return exit, err
}

func (l *Loop) toggleFavorite(ctx context.Context, oid string) error {
	if l.res.Versions == nil {
		return errors.New("versioning is disabled")
	}
	list, err := l.eng.VersionList(ctx, l.app.ID)
	if err != nil {
		return err
	}
	for _, v := range list {
		if strings.HasPrefix(v.OID, oid) {
			if err := l.res.Versions.SetFavorite(l.app.Path, v.OID, !v.Favorite); err != nil {
				return err
			}
			fmt.Fprintf(l.out, "%s favorite=%v\n", short(v.OID), !v.Favorite)
			return nil
		}
	}
	return fmt.Errorf("version %s not found", oid)
}
