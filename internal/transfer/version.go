package transfer

import (
	"strconv"
	"strings"
)

// parseVersion extracts up to three dotted numeric components from s. A
// leading "v" is ignored and parsing stops at the first non-numeric part.
func parseVersion(s string) []int {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	var parts []int
	for _, f := range strings.SplitN(s, ".", 3) {
		end := 0
		for end < len(f) && f[end] >= '0' && f[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(f[:end])
		if err != nil {
			break
		}
		parts = append(parts, n)
		if end != len(f) {
			break
		}
	}
	return parts
}

// Newer reports whether candidate is strictly greater than running under
// dotted-numeric ordering. Only components present in both are compared, so
// "1.2" against "1.2.9" is not newer.
func Newer(candidate, running string) bool {
	c, r := parseVersion(candidate), parseVersion(running)
	for i := 0; i < len(c) && i < len(r); i++ {
		if c[i] != r[i] {
			return c[i] > r[i]
		}
	}
	return false
}
