// Package redact masks personal data in transcripts and credentials in text that
// leaves the process.
package redact

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	queryKeyPattern = regexp.MustCompile(`(?i)\b((?:api_)?key|access_token|token)=[^&\s"']+`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	vendorKeyRegexp = regexp.MustCompile(`\b(?:xai-|sk-|AIza)[A-Za-z0-9_\-]{16,}`)
)

// PII masks email addresses, card numbers and phone numbers. changed reports
// whether anything was replaced.
func PII(input string) (out string, changed bool) {
	out = input
	// Cards before phones: a card number also matches the phone pattern.
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Secrets masks provider credentials: key query parameters, bearer tokens and
// bare vendor API keys.
func Secrets(input string) string {
	out := queryKeyPattern.ReplaceAllString(input, "${1}=[REDACTED]")
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return vendorKeyRegexp.ReplaceAllString(out, "[REDACTED_KEY]")
}
