package main

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// parseValue turns a command-line value into the JSON type the control plane
// expects: JSON literals (numbers, booleans, quoted strings, arrays) are
// decoded, anything else is sent as a plain string.
func parseValue(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return raw
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil || s == "true" || s == "false" ||
		strings.HasPrefix(s, `"`) || strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return raw
}
