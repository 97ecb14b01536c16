// Package version implements protocol version negotiation between clients
// and upstream MCP servers.
package version

import "strings"

// Protocol versions are date strings, so lexicographic order is release order.
const (
	V20241105 = "2024-11-05"
	V20250326 = "2025-03-26"
	V20250618 = "2025-06-18"

	Minimum = V20241105
	Latest  = V20250618
)

var supported = []string{V20241105, V20250326, V20250618}

// Supported returns the protocol versions this proxy speaks, oldest first.
func Supported() []string {
	out := make([]string, len(supported))
	copy(out, supported)

	return out
}

// IsSupported reports whether v is a version this proxy speaks.
func IsSupported(v string) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}

	return false
}

// Compare orders two protocol versions. It returns -1 if a is older than b,
// 0 if equal, and 1 if a is newer than b.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}
