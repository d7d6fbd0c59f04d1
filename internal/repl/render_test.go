package repl

import (
	"strings"
	"testing"
	"time"

	"appforge/internal/proposal"
	"appforge/internal/quota"
	"appforge/internal/versions"
)

func TestRenderMarkdown(t *testing.T) {
	if RenderMarkdown("  ", 80) != "" {
		t.Fatal("whitespace input should return empty")
	}
	result := RenderMarkdown("# Hello\n\nThis is **bold** text.", 80)
	if !strings.Contains(result, "Hello") {
		t.Fatalf("result should contain 'Hello': %q", result)
	}
}

func TestRenderProposal(t *testing.T) {
	theme := PlainTheme()
	p := &proposal.Proposal{
		Kind:          proposal.KindCode,
		Title:         "Counter",
		FilesChanged:  []proposal.FileChange{{Path: "src/a.ts", Type: proposal.ChangeWrite}, {Path: "src/b.ts", Type: proposal.ChangeDelete}},
		PackagesAdded: []string{"zod"},
		SQLQueries:    []proposal.SQLQuery{{Content: "DROP TABLE x;\nSELECT 1;"}},
		SecurityRisks: []proposal.SecurityRisk{{Type: proposal.RiskDanger, Title: "Drops a table"}},
	}
	got := RenderProposal(p, theme)
	for _, want := range []string{"Counter", "~ src/a.ts", "- src/b.ts", "packages: zod", "sql: DROP TABLE x;", "danger Drops a table"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if RenderProposal(nil, theme) != "" {
		t.Fatal("nil proposal should render empty")
	}
	action := RenderProposal(&proposal.Proposal{Kind: proposal.KindAction, Actions: []proposal.Action{{ID: proposal.ActionKeepGoing}}}, theme)
	if !strings.Contains(action, "keep-going") {
		t.Fatalf("action=%q", action)
	}
}

func TestRenderVersionsAndQuota(t *testing.T) {
	theme := PlainTheme()
	got := RenderVersions([]versions.Version{{OID: "0123456789abcdef", Message: "Add counter\n\nbody", Timestamp: time.Now(), Favorite: true}}, theme)
	if !strings.Contains(got, "* 01234567") || !strings.Contains(got, "Add counter") || strings.Contains(got, "body") {
		t.Fatalf("versions=%q", got)
	}
	if RenderVersions(nil, theme) != "no versions" {
		t.Fatal("empty list")
	}
	if got := RenderQuota(quota.Status{Mode: "build"}, theme); got != "build: unlimited" {
		t.Fatalf("quota=%q", got)
	}
	if got := RenderQuota(quota.Status{Mode: "free", Tracked: true, Used: 5, Limit: 5, HoursUntilReset: 3}, theme); !strings.Contains(got, "5/5 used") || !strings.Contains(got, "3h") {
		t.Fatalf("quota=%q", got)
	}
}
