package repl

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"appforge/internal/consent"
	"appforge/internal/proposal"
	"appforge/internal/quota"
	"appforge/internal/versions"
)

// RenderMarkdown 使用 Glamour 渲染 markdown 文本
// RenderMarkdown renders markdown text using Glamour
func RenderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

// RenderProposal summarizes a proposal in a bordered panel.
func RenderProposal(p *proposal.Proposal, theme Theme) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	switch p.Kind {
	case proposal.KindCode:
		b.WriteString(theme.Title.Render(orDefault(p.Title, "Proposed changes")))
		for _, f := range p.FilesChanged {
			fmt.Fprintf(&b, "\n  %s %s", changeMarker(f.Type), f.Path)
			if f.Summary != "" {
				b.WriteString(theme.Muted.Render("  " + f.Summary))
			}
		}
		if len(p.PackagesAdded) > 0 {
			fmt.Fprintf(&b, "\n  + packages: %s", strings.Join(p.PackagesAdded, ", "))
		}
		for _, q := range p.SQLQueries {
			fmt.Fprintf(&b, "\n  sql: %s", orDefault(q.Description, firstLine(q.Content)))
		}
		for _, r := range p.SecurityRisks {
			label := theme.Warning.Render("warning")
			if r.Type == proposal.RiskDanger {
				label = theme.Danger.Render("danger")
			}
			fmt.Fprintf(&b, "\n  %s %s", label, r.Title)
		}
	case proposal.KindAction:
		b.WriteString(theme.Title.Render("Suggested actions"))
		for _, a := range p.Actions {
			fmt.Fprintf(&b, "\n  • %s", a.ID)
			if a.Path != "" {
				b.WriteString(theme.Muted.Render(" " + a.Path))
			}
		}
	case proposal.KindTip:
		b.WriteString(theme.Title.Render(orDefault(p.Title, "Tip")))
		if p.Description != "" {
			b.WriteString("\n" + p.Description)
		}
	default:
		return ""
	}
	return theme.Panel.Render(b.String())
}

func changeMarker(t proposal.ChangeType) string {
	switch t {
	case proposal.ChangeDelete:
		return "-"
	case proposal.ChangeRename:
		return "→"
	default:
		return "~"
	}
}

// RenderConsent formats a pending tool call for the prompt.
func RenderConsent(req consent.Request, theme Theme) string {
	args := strings.TrimSpace(req.Args)
	if len(args) > 200 {
		args = args[:200] + "…"
	}
	return theme.Warning.Render("tool request: ") + theme.Badge.Render(req.Tool) + "\n" + theme.Muted.Render(args)
}

// RenderVersions lists versions newest first.
func RenderVersions(list []versions.Version, theme Theme) string {
	if len(list) == 0 {
		return theme.Muted.Render("no versions")
	}
	var b strings.Builder
	for i, v := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		oid := v.OID
		if len(oid) > 8 {
			oid = oid[:8]
		}
		star := " "
		if v.Favorite {
			star = "*"
		}
		fmt.Fprintf(&b, "%s %s  %s  %s", star, theme.Badge.Render(oid), theme.Muted.Render(v.Timestamp.Local().Format(time.DateTime)), firstLine(v.Message))
	}
	return b.String()
}

// RenderQuota describes a quota status in one line.
func RenderQuota(st quota.Status, theme Theme) string {
	if !st.Tracked {
		return fmt.Sprintf("%s: unlimited", st.Mode)
	}
	line := fmt.Sprintf("%s: %d/%d used", st.Mode, st.Used, st.Limit)
	if st.Used >= st.Limit {
		return theme.Error.Render(line) + fmt.Sprintf(" (resets in %dh)", st.HoursUntilReset)
	}
	return line + theme.Muted.Render(fmt.Sprintf(" (resets in %dh)", st.HoursUntilReset))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
