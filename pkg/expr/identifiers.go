package expr

import "regexp"

var wordRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// Identifiers returns the distinct word tokens of an expression in order of first
// appearance. Tokens inside string literals are included; callers filter them
// against the names they care about.
func Identifiers(expression string) []string {
	matches := wordRe.FindAllString(expression, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
