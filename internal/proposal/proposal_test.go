package proposal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"appforge/internal/chat"
)

const sampleOutput = `I'll add a counter.

<appforge-write path="src/Counter.tsx" description="Counter component">
export function Counter() { return null }
</appforge-write>
<appforge-rename from="src/old.ts" to="src/new.ts"></appforge-rename>
<appforge-delete path="src/unused.ts"></appforge-delete>
<appforge-add-dependency packages="zod  react-query"></appforge-add-dependency>
<appforge-execute-sql description="Create table">
CREATE TABLE counters (id INTEGER PRIMARY KEY);
</appforge-execute-sql>
<appforge-chat-summary>Add counter</appforge-chat-summary>`

func TestParse(t *testing.T) {
	out := Parse(sampleOutput)

	require.Len(t, out.Writes, 1)
	require.Equal(t, "src/Counter.tsx", out.Writes[0].Path)
	require.Equal(t, "Counter component", out.Writes[0].Description)
	require.Equal(t, "export function Counter() { return null }\n", out.Writes[0].Content)
	require.Equal(t, []Rename{{From: "src/old.ts", To: "src/new.ts"}}, out.Renames)
	require.Equal(t, []string{"src/unused.ts"}, out.Deletes)
	require.Equal(t, []string{"zod", "react-query"}, out.Packages)
	require.Len(t, out.SQL, 1)
	require.Equal(t, "Add counter", out.Summary)
	require.False(t, out.UnclosedWrite)
	require.Equal(t, []string{"src/Counter.tsx", "src/old.ts", "src/new.ts", "src/unused.ts"}, out.TargetPaths())
}

func TestParseStripsFenceAndDetectsUnclosed(t *testing.T) {
	content := "<appforge-write path=\"a.go\">\n```go\npackage a\n```\n</appforge-write>\n<appforge-write path=\"b.go\">\npackage"
	out := Parse(content)
	require.Len(t, out.Writes, 1)
	require.Equal(t, "package a\n", out.Writes[0].Content)
	require.True(t, out.UnclosedWrite)
}

func TestTagRendering(t *testing.T) {
	content := strings.Join([]string{
		WriteTag("src/a \"q\".ts", "quote & amp", "x"),
		RenameTag("a", "b"),
		DeleteTag("c"),
		AddDependencyTag([]string{"left-pad"}),
		ExecuteSQLTag("SELECT 1", "health check"),
		ChatSummaryTag(" title "),
	}, "\n")
	out := Parse(content)
	require.Equal(t, `src/a "q".ts`, out.Writes[0].Path)
	require.Equal(t, "quote & amp", out.Writes[0].Description)
	require.Equal(t, "x\n", out.Writes[0].Content)
	require.Equal(t, "b", out.Renames[0].To)
	require.Equal(t, []string{"c"}, out.Deletes)
	require.Equal(t, []string{"left-pad"}, out.Packages)
	require.Equal(t, "SELECT 1", out.SQL[0].Content)
	require.Equal(t, "title", out.Summary)
}

func TestDeriveCodeProposal(t *testing.T) {
	p := Derive(sampleOutput, Options{Mode: chat.ModeBuild})
	require.NotNil(t, p)
	require.Equal(t, KindCode, p.Kind)
	require.Equal(t, "Add counter", p.Title)
	require.Len(t, p.FilesChanged, 3)
	require.Equal(t, ChangeRename, p.FilesChanged[1].Type)
	require.Equal(t, []string{"zod", "react-query"}, p.PackagesAdded)

	again := Derive(sampleOutput, Options{Mode: chat.ModeBuild})
	require.Equal(t, p, again, "derive must be deterministic")
}

func TestDeriveServerFunction(t *testing.T) {
	p := Derive(WriteTag("supabase/functions/hello/index.ts", "", "x"), Options{})
	require.True(t, p.FilesChanged[0].IsServerFunction)
}

func TestDeriveActions(t *testing.T) {
	p := Derive("Try this:\n```js\nconsole.log(1)\n```\n", Options{Mode: chat.ModeBuild})
	require.NotNil(t, p)
	require.Equal(t, KindAction, p.Kind)
	require.Equal(t, []Action{{ID: ActionWriteCodeProperly}}, p.Actions)

	p = Derive(`<appforge-command type="restart"></appforge-command>`, Options{Mode: chat.ModeBuild, MessageCount: 100})
	require.Equal(t, []Action{{ID: ActionRestartApp}, {ID: ActionSummarizeInNewChat}}, p.Actions)

	big := strings.Repeat("line\n", 600)
	content := WriteTag("src/Big.tsx", "", big) + AddDependencyTag([]string{"zod"})
	p = Derive(content, Options{Mode: chat.ModeBuild, Resolved: true})
	require.Equal(t, KindAction, p.Kind)
	require.Equal(t, []Action{{ID: ActionRefactorFile, Path: "src/Big.tsx"}, {ID: ActionRestartApp}}, p.Actions)

	p = Derive("<appforge-write path=\"a.ts\">\nunfinished", Options{Mode: chat.ModeBuild})
	require.Equal(t, []Action{{ID: ActionKeepGoing}}, p.Actions)
}

func TestDeriveAskModeTip(t *testing.T) {
	p := Derive("Use this:\n```ts\nconst a = 1\n```", Options{Mode: chat.ModeAsk})
	require.NotNil(t, p)
	require.Equal(t, KindTip, p.Kind)

	require.Nil(t, Derive("Plain answer.", Options{Mode: chat.ModeAsk}))
	require.Nil(t, Derive("Plain answer.", Options{Mode: chat.ModeBuild}))
}

func TestDetectRisks(t *testing.T) {
	out := Output{
		SQL: []SQLQuery{
			{Content: "DROP TABLE users;"},
			{Content: "DELETE FROM sessions;"},
			{Content: "DELETE FROM sessions WHERE expired = 1;"},
			{Content: "ALTER TABLE t DISABLE ROW LEVEL SECURITY;"},
		},
		Writes: []Write{{Path: ".env.local", Content: "A=1"}},
	}
	risks := DetectRisks(out)
	var danger, warning int
	for _, r := range risks {
		switch r.Type {
		case RiskDanger:
			danger++
		case RiskWarning:
			warning++
		}
	}
	require.Equal(t, 2, danger, "drop + unbounded delete")
	require.Equal(t, 2, warning, "rls + env file")
}
