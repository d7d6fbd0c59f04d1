package tools

import (
	"encoding/json"
	"fmt"
)

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"marshal result: %s"}`, err.Error())
	}
	return string(data)
}

// DeclinedResult is the tool message recorded when the user refuses a call.
func DeclinedResult(tool string) string {
	return mustJSON(map[string]any{
		"ok":    false,
		"tool":  tool,
		"error": "User declined running this tool. Do not retry it; continue without it or ask the user how to proceed.",
	})
}

// FailedResult wraps an execution error so the model can react to it.
func FailedResult(tool string, err error) string {
	return mustJSON(map[string]any{
		"ok":    false,
		"tool":  tool,
		"error": err.Error(),
	})
}
