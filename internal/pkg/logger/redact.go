package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// redactAddressList masks every address in a comma-separated recipient list,
// which is how To/Cc/Bcc values arrive from envelope builders.
func redactAddressList(val string) string {
	parts := strings.Split(val, ",")
	for i, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		parts[i] = RedactEmail(trimmed)
	}
	return strings.Join(parts, ", ")
}
