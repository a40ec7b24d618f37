package screen

import "strings"

// splitArgs splits a space-separated flag string the way a shell would for
// the simple flag sets used here (no quoting needed).
func splitArgs(s string) []string {
	return strings.Fields(s)
}
