// Package fingerprint derives the bucketing key identifying a requester
// for quota purposes. The key is best-effort, not a security credential:
// it composes the client-declared user id, the network address, and a
// truncated user-agent string.
package fingerprint

import "strings"

// maxUAChars bounds the user-agent contribution so oversized headers
// cannot bloat store keys.
const maxUAChars = 64

// Derive computes the fingerprint for a requester. It is recomputed on
// every request and never stored as an entity itself.
func Derive(userID, remoteIP, userAgent string) string {
	if userID == "" {
		userID = "anon"
	}
	if remoteIP == "" {
		remoteIP = "0.0.0.0"
	}
	ua := userAgent
	if len(ua) > maxUAChars {
		ua = ua[:maxUAChars]
	}

	var b strings.Builder
	b.Grow(len(userID) + len(remoteIP) + len(ua) + 2)
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(remoteIP)
	b.WriteByte('|')
	b.WriteString(ua)
	return b.String()
}
