package runechain

import "regexp"

const maxSummaryLen = 200

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{12,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), // JWT-shaped
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// redactSecrets replaces known secret shapes (vendor API keys, JWT-shaped
// strings, PEM private-key headers) with "[REDACTED]".
func redactSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// summarize redacts s and truncates it to maxSummaryLen characters, adding
// a "..." suffix when truncated.
func summarize(s string) string {
	redacted := redactSecrets(s)
	r := []rune(redacted)
	if len(r) <= maxSummaryLen {
		return redacted
	}
	return string(r[:maxSummaryLen]) + "..."
}
