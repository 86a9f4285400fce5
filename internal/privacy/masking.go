// Package privacy masks message content and identities before they reach the logs.
package privacy

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaskSender hides a callsign or user name, keeping its first and last character.
// Example: "alice" -> "a***e"
func MaskSender(sender string) string {
	n := utf8.RuneCountInString(sender)
	switch {
	case n == 0:
		return ""
	case n <= 2:
		return strings.Repeat("*", n)
	}
	first, _ := utf8.DecodeRuneInString(sender)
	last, _ := utf8.DecodeLastRuneInString(sender)
	return string(first) + strings.Repeat("*", n-2) + string(last)
}

// MaskBody replaces message text with its length.
// Example: "meet at the ridge" -> "[17 chars]"
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return "[" + strconv.Itoa(utf8.RuneCountInString(body)) + " chars]"
}

// MaskToken keeps the last 4 characters of a credential.
func MaskToken(token string) string {
	return maskString(token, 4)
}

// MaskURL drops the userinfo and query string of a URL.
// Example: "http://u:p@peer:8080/api?k=v" -> "http://***@peer:8080/api"
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	out := raw
	if i := strings.IndexAny(out, "?#"); i >= 0 {
		out = out[:i]
	}
	if scheme := strings.Index(out, "://"); scheme >= 0 {
		rest := out[scheme+3:]
		hostEnd := strings.Index(rest, "/")
		if hostEnd < 0 {
			hostEnd = len(rest)
		}
		if at := strings.LastIndex(rest[:hostEnd], "@"); at >= 0 {
			out = out[:scheme+3] + "***" + rest[at:]
		}
	}
	return out
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "from", "sender", "identity", "user_id":
			masked[k] = MaskSender(s)
		case "message", "body", "text":
			masked[k] = MaskBody(s)
		case "token", "peer_token", "authorization", "secret":
			masked[k] = MaskToken(s)
		case "url", "peer_url", "endpoint":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
