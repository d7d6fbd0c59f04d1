package repl

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"appforge/internal/bootstrap"
	"appforge/internal/chat"
	"appforge/internal/config"
	"appforge/internal/i18n"
	"appforge/internal/versions"
)

func newTestLoop(t *testing.T, mode chat.Mode, script string) (*Loop, *bytes.Buffer, chat.App) {
	t.Helper()
	cfg := config.Default()
	cfg.Provider.Kind = "fake"
	cfg.Storage.BaseDir = t.TempDir()
	cfg.Storage.DBPath = filepath.Join(cfg.Storage.BaseDir, "appforge.db")
	cfg.Proposal.InstallCommand = ""
	res, err := bootstrap.Build(cfg, bootstrap.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = res.Close() })

	appDir := t.TempDir()
	if versions.Available() {
		if err := res.Versions.Init(context.Background(), appDir); err != nil {
			t.Fatalf("git init: %v", err)
		}
	}
	app, err := res.Store.CreateApp("demo", appDir)
	if err != nil {
		t.Fatal(err)
	}
	conv, err := res.Store.CreateConversation(app.ID, "", mode)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	loop := NewLoop(res, app, conv, Options{
		Input:      NewBasicLineInput(strings.NewReader(script), &out),
		Out:        &out,
		Theme:      PlainTheme(),
		ProjectDir: t.TempDir(),
	})
	return loop, &out, app
}

func TestLoopStreamsAnswerAndRunsCommands(t *testing.T) {
	loop, out, _ := newTestLoop(t, chat.ModeAsk, "hello\n/history\n/quota free\n/bogus\n/exit\n")
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"This is a simple response from the fake provider.",
		"user      hello",
		"free: 0/5 used",
		"unknown command /bogus",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestLoopDeclinesConsent(t *testing.T) {
	loop, out, _ := newTestLoop(t, chat.ModeBuild, "tc=add-dep\nn\n")
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "tool request: add_dependency") {
		t.Fatalf("no consent prompt:\n%s", got)
	}
	if strings.Contains(got, "packages: zod") {
		t.Fatalf("declined dependency was proposed:\n%s", got)
	}
}

func TestLoopAppliesApprovedProposal(t *testing.T) {
	if !versions.Available() {
		t.Skip("git not installed")
	}
	loop, out, app := newTestLoop(t, chat.ModeBuild, "tc=1\ny\n/versions\n")
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "src/one.ts") || !strings.Contains(got, "applied 1 file(s)") {
		t.Fatalf("proposal not applied:\n%s", got)
	}
	if _, err := os.Stat(filepath.Join(app.Path, "src", "one.ts")); err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if loop.Conversation().Summary != "First file" {
		t.Fatalf("summary=%q, want First file", loop.Conversation().Summary)
	}
}

func TestLoopModeAndNewConversation(t *testing.T) {
	loop, out, _ := newTestLoop(t, chat.ModeBuild, "/mode agent\n/new ask\n/mode\n")
	first := loop.Conversation().ID
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loop.Conversation().ID == first || loop.Conversation().Mode != chat.ModeAsk {
		t.Fatalf("conversation=%+v", loop.Conversation())
	}
	if !strings.Contains(out.String(), "usage: /mode") {
		t.Fatalf("missing usage error:\n%s", out.String())
	}
}

func TestLoopUsesMessageCatalog(t *testing.T) {
	loop, out, _ := newTestLoop(t, chat.ModeAsk, "/help\n")
	loop.msg = i18n.New("zh-CN")
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	for _, want := range []string{"输入 /help 查看命令", "命令：", "切换会话模式"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}
