package environment

import (
	"fmt"
	"strings"
)

// Resource names are derived deterministically from the environment
// identifier so that "already exists" checks and sweeper discovery scans
// can reconstruct ownership without a separate index.

const namespacePrefix = "preview-"

// maxNameLength matches the Kubernetes DNS-1123 label limit.
const maxNameLength = 63

// Namespace returns the namespace name owned by the environment.
func Namespace(id string) string {
	return truncate(namespacePrefix + Sanitize(id))
}

// CacheKeyPrefix returns the cache key prefix owned by the environment.
// Every cache key written by the environment's services carries it.
func CacheKeyPrefix(id string) string {
	return "preview:" + Sanitize(id) + ":"
}

// Hostname returns the DNS name for the environment under the given base
// domain, e.g. Hostname("42", "preview.example.com") -> "pr-42.preview.example.com".
func Hostname(id, baseDomain string) string {
	return fmt.Sprintf("pr-%s.%s", Sanitize(id), baseDomain)
}

// ServiceName returns the in-namespace name for a declared service.
func ServiceName(id, service string) string {
	return truncate(Sanitize(service) + "-" + Sanitize(id))
}

// Sanitize lowercases the identifier and replaces every character that is
// not a letter, digit or hyphen, producing a valid DNS-1123 label fragment.
func Sanitize(id string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func truncate(name string) string {
	if len(name) <= maxNameLength {
		return name
	}
	return strings.TrimRight(name[:maxNameLength], "-")
}
