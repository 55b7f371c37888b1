package helpers

// MaskToken shortens a connection token for log output so full tokens never
// end up in log files. Tokens of 8 characters or fewer are fully redacted.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:8] + "..."
}
