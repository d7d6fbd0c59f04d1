package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// destructiveCmdPattern matches programs an install command has no business running.
var destructiveCmdPattern = regexp.MustCompile(`(^|[\s;&|()])(rm|mv|chmod|chown|dd|mkfs|shutdown|reboot|curl|wget)([\s;&|()]|$)`)

var shellControl = []string{"$(", "`", "&&", "||", ";", "|", ">", "<"}

// ParseCommand splits a configured command line into argv. It fails closed:
// substitutions, shell control operators, unbalanced quotes and destructive
// programs are rejected because the result is executed without a shell.
func ParseCommand(command string) ([]string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, errors.New("empty command")
	}
	for _, op := range shellControl {
		if strings.Contains(trimmed, op) {
			return nil, fmt.Errorf("command %q contains shell operator %q", trimmed, op)
		}
	}
	if destructiveCmdPattern.MatchString(trimmed) {
		return nil, fmt.Errorf("command %q matches the destructive command policy", trimmed)
	}
	argv, err := parseShellWords(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", trimmed, err)
	}
	return argv, nil
}

func parseShellWords(input string) ([]string, error) {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	var inSingle, inDouble, escaped bool

	flush := func() {
		if cur.Len() > 0 || quoted {
			out = append(out, cur.String())
		}
		cur.Reset()
		quoted = false
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case isSpace(r) && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, errors.New("unmatched quote")
	}
	flush()
	return out, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
