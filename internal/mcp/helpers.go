package mcpserver

import (
	"fmt"
	"strings"
)

// stringList reads a list argument given either as a JSON array or as a
// comma-separated string.
func stringList(args map[string]any, key string) []string {
	var raw []string
	switch v := args[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
