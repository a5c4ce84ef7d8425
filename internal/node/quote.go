package node

import "strings"

// Quote wraps s in single quotes for sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinArgs(argv []string) string {
	return strings.Join(argv, " ")
}
