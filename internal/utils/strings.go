// Package utils provides small shared helpers.
package utils

import "strings"

// ParseCSV splits a comma-separated string and returns trimmed
// non-empty values. Returns nil for empty or whitespace-only input.
// Used to decode the comma-separated data type lists stored in the
// study database.
func ParseCSV(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	for _, v := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return nil
	}

	return result
}
