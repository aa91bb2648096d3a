// Package safety implements the input gate, output redaction and the
// strict-mode stream token filter.
package safety

import (
	"regexp"
	"strings"
)

var blocklist = []string{"password", "api_key", "secret", "private_key"}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b(\+?\d{1,3})?[-.\s]?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}\b`)

	// secretShareRe matches actual disclosure of a credential (term followed
	// by an assignment or "is/was" and a value), not a mere mention of the
	// sensitive word.
	secretShareRe = regexp.MustCompile(`(?i)\b(password|passwd|api[_-]?key|secret|private[_-]?key|token)\b\s*(is|was|[:=])\s*\S+`)
)

const (
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedPhone = "[REDACTED_PHONE]"
	RedactedTerm  = "[REDACTED]"
)

// CheckInput gates the incoming question. Only inputs that actually share a
// secret are blocked; everything else passes through unchanged.
func CheckInput(text string) (allowed bool, transformed string) {
	if secretShareRe.MatchString(text) {
		return false, ""
	}
	return true, text
}

// CheckOutput redacts PII and blocklisted terms from generated text. Email
// redaction always applies; phone redaction only in strict mode.
func CheckOutput(text string, strict bool) string {
	redacted := emailRe.ReplaceAllString(text, RedactedEmail)
	if strict {
		redacted = phoneRe.ReplaceAllString(redacted, RedactedPhone)
	}
	for _, term := range blocklist {
		redacted = strings.ReplaceAll(redacted, term, RedactedTerm)
	}
	return redacted
}

// CheckStreamToken reports whether a streamed token must be dropped before it
// reaches the client. Only strict mode filters tokens.
func CheckStreamToken(token string, strict bool) (blocked bool) {
	if !strict {
		return false
	}
	return emailRe.MatchString(token) || secretShareRe.MatchString(token)
}
