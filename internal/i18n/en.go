package i18n

// EnMessages English message catalog
var EnMessages = map[string]string{
	// REPL banner and prompts
	"repl.banner":       "conversation %d (%s); /help for commands",
	"repl.error":        "error: ",
	"repl.help":         "commands:",
	"consent.prompt":    "allow? [y]es / [a]lways / [N]o: ",
	"proposal.prompt":   "apply these changes? [y/N]: ",
	"proposal.none":     "nothing to propose",
	"proposal.state":    "state: %s",
	"proposal.rejected": "changes rejected",

	// Stream outcome
	"stream.cancelled":    "[cancelled]",
	"apply.failed":        "auto-apply failed: ",
	"apply.version":       "applied as version %s",
	"apply.files":         "applied %d file(s)",
	"apply.files_version": "applied %d file(s) as version %s",
	"apply.extra_changed": "also changed: %s",
	"apply.extra_error":   "extra files: ",

	// Slash commands
	"cmd.help":     "show commands",
	"cmd.exit":     "quit",
	"cmd.new":      "[mode] start a new conversation",
	"cmd.mode":     "<build|ask|agent|free> switch the conversation mode",
	"cmd.history":  "list the conversation's messages",
	"cmd.show":     "render the last answer as markdown",
	"cmd.proposal": "show the pending proposal",
	"cmd.approve":  "apply the pending proposal",
	"cmd.reject":   "discard the pending proposal",
	"cmd.versions": "list app versions",
	"cmd.checkout": "<oid> check out a version",
	"cmd.revert":   "<oid> revert the app to a version",
	"cmd.favorite": "<oid> toggle a version's favorite flag",
	"cmd.quota":    "[mode] show quota usage",
	"cmd.tokens":   "[draft] estimate the context size",
	"cmd.model":    "<name> switch and persist the model",
	"cmd.consent":  "<tool> <always|ask|never> persist a consent level",

	// Command results
	"result.new_conversation": "new conversation %d (%s)",
	"result.checked_out":      "checked out %s",
	"result.reverted":         "reverted as %s (%d message(s) removed)",
	"result.tokens":           "~%d tokens of %d (compaction at %d)",
	"result.model":            "model: %s",
	"result.saved":            "saved; applies from the next start",
}
