// ABOUTME: Maps REST routes to rate-limit bucket keys.
// ABOUTME: Major resource ids stay in the key; minor ids collapse to a placeholder.

package rest

import "strings"

// majorParams are the path segments whose following id is significant for
// bucket identity. Every other id belongs to the same bucket regardless of
// value.
var majorParams = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// BucketKey derives the rate-limit bucket for a method and path. Two calls
// share a bucket exactly when their method, route shape, and major ids match.
func BucketKey(method, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if !isSnowflake(seg) {
			continue
		}
		if i == 0 || !majorParams[segments[i-1]] {
			segments[i] = ":id"
		}
	}
	return method + " /" + strings.Join(segments, "/")
}

// isSnowflake reports whether a path segment looks like a numeric entity id.
func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
