// Package repl is the interactive terminal client: it streams answers,
// prompts for tool consent and asks before applying proposals.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"

	"appforge/internal/bootstrap"
	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/engine"
	"appforge/internal/i18n"
	"appforge/internal/proposal"
)

type Options struct {
	Input LineInput
	Out   io.Writer
	Theme Theme
	Width int
	// ProjectDir receives /model and /consent overrides.
	ProjectDir string
	// Messages defaults to the English catalog.
	Messages *i18n.I18n
}

// Loop holds REPL state: the wired engine, the active app and conversation.
// Loop 持有 REPL 状态：引擎、当前应用与会话。
type Loop struct {
	res        *bootstrap.BuildResult
	eng        *engine.Engine
	in         LineInput
	out        io.Writer
	theme      Theme
	width      int
	projectDir string
	msg        *i18n.I18n

	app  chat.App
	conv chat.Conversation
}

func NewLoop(res *bootstrap.BuildResult, app chat.App, conv chat.Conversation, opts Options) *Loop {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Input == nil {
		opts.Input = NewBasicLineInput(os.Stdin, opts.Out)
	}
	if opts.Width <= 0 {
		opts.Width = 100
	}
	if opts.Messages == nil {
		opts.Messages = i18n.New("en")
	}
	return &Loop{
		res:        res,
		eng:        res.Engine,
		in:         opts.Input,
		out:        opts.Out,
		theme:      opts.Theme,
		width:      opts.Width,
		projectDir: opts.ProjectDir,
		msg:        opts.Messages,
		app:        app,
		conv:       conv,
	}
}

// Conversation returns the active conversation.
func (l *Loop) Conversation() chat.Conversation { return l.conv }

// Run reads lines until EOF or /exit.
func (l *Loop) Run(ctx context.Context) error {
	fmt.Fprintf(l.out, "%s %s\n", l.theme.Title.Render("appforge"), l.theme.Muted.Render(l.app.Path))
	fmt.Fprintln(l.out, l.msg.T("repl.banner", l.conv.ID, l.conv.Mode))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := l.in.ReadLine(l.prompt())
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				continue
			case errors.Is(err, io.EOF):
				return nil
			default:
				return fmt.Errorf("read input: %w", err)
			}
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			exit, err := l.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintln(l.out, l.theme.Error.Render(l.msg.T("repl.error"))+err.Error())
			}
			if exit {
				return nil
			}
			continue
		}
		if err := l.Send(ctx, input); err != nil {
			fmt.Fprintln(l.out, l.theme.Error.Render(l.msg.T("repl.error"))+err.Error())
		}
	}
}

func (l *Loop) prompt() string {
	return l.theme.Badge.Render(string(l.conv.Mode)) + " > "
}

// Send streams one prompt to completion. Ctrl-C cancels the stream.
func (l *Loop) Send(ctx context.Context, prompt string) error {
	events, unsubscribe := l.eng.Subscribe(l.conv.ID)
	defer unsubscribe()

	interrupt, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := l.eng.StreamStart(ctx, engine.StreamRequest{ConversationID: l.conv.ID, Prompt: prompt}); err != nil {
		return err
	}

	done := interrupt.Done()
	shown := ""
	for {
		select {
		case <-done:
			done = nil
			l.eng.StreamCancel(l.conv.ID)
		case ev, ok := <-events:
			if !ok {
				return engine.ErrEngineClosed
			}
			switch ev.Type {
			case engine.EventChunk:
				content := ev.Chunk.Content
				if !strings.HasPrefix(content, shown) {
					fmt.Fprintln(l.out)
					shown = ""
				}
				fmt.Fprint(l.out, content[len(shown):])
				shown = content
			case engine.EventConsentRequest:
				fmt.Fprintln(l.out)
				if err := l.answerConsent(*ev.Consent); err != nil {
					return err
				}
			case engine.EventError:
				fmt.Fprintln(l.out)
				return errors.New(ev.Error.Message)
			case engine.EventEnd:
				fmt.Fprintln(l.out)
				return l.finish(ctx, ev.End)
			}
		}
	}
}

func (l *Loop) answerConsent(req consent.Request) error {
	fmt.Fprintln(l.out, RenderConsent(req, l.theme))
	line, err := l.in.ReadLine(l.msg.T("consent.prompt"))
	if err != nil && !errors.Is(err, readline.ErrInterrupt) {
		return err
	}
	decision := consent.DecisionDecline
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		decision = consent.DecisionAllowOnce
	case "a", "always":
		decision = consent.DecisionAlwaysAllow
	}
	return l.eng.ConsentRespond(req.ID, string(decision))
}

func (l *Loop) finish(ctx context.Context, end *engine.EndEvent) error {
	if end.ChatSummary != "" {
		l.conv.Summary = end.ChatSummary
	}
	if end.WasCancelled {
		fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("stream.cancelled")))
		return nil
	}
	if end.ApproveError != "" {
		fmt.Fprintln(l.out, l.theme.Error.Render(l.msg.T("apply.failed"))+end.ApproveError)
	}
	if end.CommitHash != "" {
		fmt.Fprintln(l.out, l.theme.Success.Render(l.msg.T("apply.version", short(end.CommitHash))))
	}
	for _, f := range end.ExtraFiles {
		fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("apply.extra_changed", f)))
	}
	if end.Proposal == nil {
		return nil
	}
	fmt.Fprintln(l.out, RenderProposal(end.Proposal, l.theme))
	if end.Proposal.Kind != proposal.KindCode || end.CommitHash != "" {
		return nil
	}

	view, err := l.eng.Proposal(l.conv.ID)
	if err != nil || view.ApprovalState != chat.ApprovalPending {
		return err
	}
	line, err := l.in.ReadLine(l.msg.T("proposal.prompt"))
	if err != nil && !errors.Is(err, readline.ErrInterrupt) {
		return err
	}
	if ans := strings.ToLower(strings.TrimSpace(line)); ans == "y" || ans == "yes" {
		return l.approve(ctx, view.MessageID)
	}
	if err := l.eng.ProposalReject(ctx, l.conv.ID, view.MessageID); err != nil {
		return err
	}
	fmt.Fprintln(l.out, l.theme.Muted.Render(l.msg.T("proposal.rejected")))
	return nil
}

func (l *Loop) approve(ctx context.Context, messageID int64) error {
	res, err := l.eng.ProposalApprove(ctx, l.conv.ID, messageID)
	if err != nil {
		return err
	}
	msg := l.msg.T("apply.files", len(res.AppliedFiles))
	if res.CommitHash != "" {
		msg = l.msg.T("apply.files_version", len(res.AppliedFiles), short(res.CommitHash))
	}
	fmt.Fprintln(l.out, l.theme.Success.Render(msg))
	if res.ExtraFilesError != "" {
		fmt.Fprintln(l.out, l.theme.Warning.Render(l.msg.T("apply.extra_error"))+res.ExtraFilesError)
	}
	return nil
}

func short(oid string) string {
	if len(oid) > 8 {
		return oid[:8]
	}
	return oid
}
