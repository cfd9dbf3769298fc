// Package security – credentials.go holds the credential-shape table used by
// the output sanitizer. Matches are rejected, never redacted: a partially
// masked secret is still a leaked secret.
package security

import (
	"math"
	"regexp"
	"strings"
)

// CredentialRule is one row of the credential-shape table.
type CredentialRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// defaultCredentialRules covers provider token prefixes, PEM blocks, JWTs and
// NAME_TOKEN / NAME_KEY / NAME_SECRET assignments.
var defaultCredentialRules = []CredentialRule{
	{"private-key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"openai-anthropic-key", regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_-]{20,}`)},
	{"github-token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`)},
	{"slack-token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`)},
	{"aws-access-key", regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
	{"google-api-key", regexp.MustCompile(`\bAIza[A-Za-z0-9_-]{35}`)},
	{"stripe-key", regexp.MustCompile(`\b[rsp]k_live_[A-Za-z0-9]{20,}`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`)},
	{"telegram-bot-token", regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{35}\b`)},
	{"bearer-token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
	{"secret-assignment", regexp.MustCompile(`(?i)\b[A-Za-z0-9_]*_(?:TOKEN|KEY|SECRET)\s*[:=]\s*["']?[^\s"'<>]+`)},
	{"password-assignment", regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*["']?[^\s"']{6,}`)},
	{"connection-string", regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:@/]+:[^\s@/]+@`)},
}

// entropyCandidate matches long runs that may be random secrets.
var entropyCandidate = regexp.MustCompile(`[A-Za-z0-9+/=_-]{32,}`)

// MinSecretEntropy is the Shannon entropy (bits per char) above which a long
// mixed-class run is treated as a secret.
const MinSecretEntropy = 4.0

// DefaultCredentialRules returns a copy of the built-in table.
func DefaultCredentialRules() []CredentialRule {
	out := make([]CredentialRule, len(defaultCredentialRules))
	copy(out, defaultCredentialRules)
	return out
}

// findCredential returns the name of the first rule that matches text.
func findCredential(rules []CredentialRule, text string) (string, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(text) {
			return r.Name, true
		}
	}
	for _, run := range entropyCandidate.FindAllString(text, -1) {
		if looksLikeSecret(run) {
			return "high-entropy", true
		}
	}
	return "", false
}

// looksLikeSecret applies the mixed-class and entropy heuristic.
func looksLikeSecret(s string) bool {
	if len(s) < 32 {
		return false
	}
	var hasUpper, hasLower, hasDigit bool
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
			hasUpper = true
		case c >= 'a' && c <= 'z':
			hasLower = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}
	if !(hasUpper && hasLower && hasDigit) {
		return false
	}
	return shannonEntropy(s) >= MinSecretEntropy
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// IsCredentialName reports whether an identifier (environment variable or
// file base name) has a credential suffix: *_TOKEN, *_KEY or *_SECRET.
func IsCredentialName(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range []string{"_TOKEN", "_KEY", "_SECRET"} {
		if strings.HasSuffix(upper, suffix) && len(upper) > len(suffix) {
			return true
		}
	}
	return false
}
