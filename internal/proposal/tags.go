package proposal

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

const tagPrefix = "appforge-"

var (
	attrRe     = regexp.MustCompile(`([a-zA-Z][\w-]*)="([^"]*)"`)
	tagRe      = regexp.MustCompile(`(?s)<appforge-(write|rename|delete|add-dependency|execute-sql|chat-summary|command)(\s[^>]*)?>(.*?)</appforge-(?:write|rename|delete|add-dependency|execute-sql|chat-summary|command)>`)
	openWrite  = regexp.MustCompile(`<appforge-write[\s>]`)
	closeWrite = "</appforge-write>"
	fenceRe    = regexp.MustCompile("(?m)^```")
)

// Write is a staged file write.
type Write struct {
	Path        string
	Description string
	Content     string
}

// Rename is a staged file move.
type Rename struct {
	From string
	To   string
}

// Output is everything a finished assistant message stages.
type Output struct {
	Writes   []Write
	Renames  []Rename
	Deletes  []string
	Packages []string
	SQL      []SQLQuery
	Summary  string
	Commands []string
	// UnclosedWrite is set when the text ends inside a write tag.
	UnclosedWrite bool
}

// HasChanges reports whether applying the output would touch the project.
func (o Output) HasChanges() bool {
	return len(o.Writes) > 0 || len(o.Renames) > 0 || len(o.Deletes) > 0 ||
		len(o.Packages) > 0 || len(o.SQL) > 0
}

// TargetPaths lists every project path the output writes, moves or deletes.
func (o Output) TargetPaths() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, w := range o.Writes {
		add(w.Path)
	}
	for _, r := range o.Renames {
		add(r.From)
		add(r.To)
	}
	for _, d := range o.Deletes {
		add(d)
	}
	return out
}

// Parse extracts the staged operations from message text. Tags are matched in
// document order; later writes to the same path win when applied.
func Parse(content string) Output {
	var out Output
	for _, m := range tagRe.FindAllStringSubmatch(content, -1) {
		kind, attrs, body := m[1], parseAttrs(m[2]), m[3]
		switch kind {
		case "write":
			out.Writes = append(out.Writes, Write{
				Path:        cleanPath(attrs["path"]),
				Description: attrs["description"],
				Content:     stripFence(body),
			})
		case "rename":
			out.Renames = append(out.Renames, Rename{From: cleanPath(attrs["from"]), To: cleanPath(attrs["to"])})
		case "delete":
			out.Deletes = append(out.Deletes, cleanPath(attrs["path"]))
		case "add-dependency":
			out.Packages = append(out.Packages, strings.Fields(attrs["packages"])...)
		case "execute-sql":
			if q := strings.TrimSpace(stripFence(body)); q != "" {
				out.SQL = append(out.SQL, SQLQuery{Content: q, Description: attrs["description"]})
			}
		case "chat-summary":
			out.Summary = strings.TrimSpace(body)
		case "command":
			if t := attrs["type"]; t != "" {
				out.Commands = append(out.Commands, t)
			}
		}
	}
	out.UnclosedWrite = len(openWrite.FindAllStringIndex(content, -1)) > strings.Count(content, closeWrite)
	return out
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = html.UnescapeString(m[2])
	}
	return attrs
}

func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "./")
}

// stripFence drops a markdown fence wrapped around a tag body.
func stripFence(body string) string {
	trimmed := strings.Trim(body, "\n")
	if !strings.HasPrefix(trimmed, "```") {
		return strings.TrimPrefix(body, "\n")
	}
	locs := fenceRe.FindAllStringIndex(trimmed, -1)
	if len(locs) < 2 {
		return strings.TrimPrefix(body, "\n")
	}
	firstNL := strings.IndexByte(trimmed, '\n')
	last := locs[len(locs)-1][0]
	if firstNL < 0 || firstNL >= last {
		return ""
	}
	return trimmed[firstNL+1 : last]
}

func attr(name, value string) string {
	return fmt.Sprintf(` %s="%s"`, name, html.EscapeString(value))
}

// WriteTag renders a staged write.
func WriteTag(path, description, content string) string {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return "<" + tagPrefix + "write" + attr("path", path) + attr("description", description) + ">\n" +
		content + "</" + tagPrefix + "write>"
}

// RenameTag renders a staged rename.
func RenameTag(from, to string) string {
	return "<" + tagPrefix + "rename" + attr("from", from) + attr("to", to) + "></" + tagPrefix + "rename>"
}

// DeleteTag renders a staged delete.
func DeleteTag(path string) string {
	return "<" + tagPrefix + "delete" + attr("path", path) + "></" + tagPrefix + "delete>"
}

// AddDependencyTag renders a staged package install.
func AddDependencyTag(packages []string) string {
	return "<" + tagPrefix + "add-dependency" + attr("packages", strings.Join(packages, " ")) + "></" + tagPrefix + "add-dependency>"
}

// ExecuteSQLTag renders a staged SQL statement.
func ExecuteSQLTag(query, description string) string {
	return "<" + tagPrefix + "execute-sql" + attr("description", description) + ">\n" +
		strings.TrimSpace(query) + "\n</" + tagPrefix + "execute-sql>"
}

// ChatSummaryTag renders the chat title hint.
func ChatSummaryTag(summary string) string {
	return "<" + tagPrefix + "chat-summary>" + strings.TrimSpace(summary) + "</" + tagPrefix + "chat-summary>"
}
