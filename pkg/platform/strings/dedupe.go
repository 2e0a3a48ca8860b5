// Package strings holds small helpers for list-valued settings.
package strings

import (
	"strings"
)

// SplitList splits s on sep, trims each element and drops empty and
// repeated entries. Order of first appearance is preserved.
//
//	SplitList(" a:9092, b:9092,,a:9092 ", ",")
//	// []string{"a:9092", "b:9092"}
func SplitList(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return dedupe(strings.Split(s, sep))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
