// Package security – sanitizer.go implements the outbound sanitizer. Every
// generator response passes through Sanitize before delivery; the checks run
// in a fixed order and the first failure withholds the whole response.
package security

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// SanitizerConfig configures the outbound sanitizer.
type SanitizerConfig struct {
	// CommandPolicy is "label" (default) or "reject".
	CommandPolicy CommandPolicy `yaml:"command_policy"`

	// FingerprintMatch is "substring" (default) or "exact".
	FingerprintMatch MatchMode `yaml:"fingerprint_match"`

	// ExtraCredentialPatterns are regexes appended to the credential table.
	ExtraCredentialPatterns []string `yaml:"extra_credential_patterns"`
}

// OutboundContent is a response that passed every outbound check. The zero
// value is empty; only OutputSanitizer produces a populated one.
type OutboundContent struct {
	text string
}

// Text returns the sanitized text.
func (o OutboundContent) Text() string { return o.text }

// IsZero reports whether the content is empty.
func (o OutboundContent) IsZero() bool { return o.text == "" }

// massMentionPattern matches broadcast mentions as whole tokens. The leading
// class keeps e-mail addresses and handles like @allison out.
var massMentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_@.\-])@(?:all|everyone|here|channel)\b`)

// OutputSanitizer validates generator output.
type OutputSanitizer struct {
	cfg       SanitizerConfig
	creds     []CredentialRule
	commands  *commandDetector
	resources *ResourceGuard
	logger    *slog.Logger
}

// NewOutputSanitizer compiles the sanitizer tables. resources may be nil, in
// which case the final sensitive-path check is skipped.
func NewOutputSanitizer(cfg SanitizerConfig, resources *ResourceGuard, logger *slog.Logger) (*OutputSanitizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.CommandPolicy {
	case "":
		cfg.CommandPolicy = CommandLabelPolicy
	case CommandLabelPolicy, CommandRejectPolicy:
	default:
		return nil, fmt.Errorf("unknown command policy %q", cfg.CommandPolicy)
	}
	switch cfg.FingerprintMatch {
	case "":
		cfg.FingerprintMatch = MatchSubstring
	case MatchExact, MatchSubstring:
	default:
		return nil, fmt.Errorf("unknown fingerprint match mode %q", cfg.FingerprintMatch)
	}

	creds := DefaultCredentialRules()
	for i, p := range cfg.ExtraCredentialPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling credential pattern %d: %w", i, err)
		}
		creds = append(creds, CredentialRule{Name: fmt.Sprintf("custom-%d", i+1), Pattern: re})
	}

	return &OutputSanitizer{
		cfg:       cfg,
		creds:     creds,
		commands:  newCommandDetector(DefaultCommandVerbs()),
		resources: resources,
		logger:    logger.With("component", "output_sanitizer"),
	}, nil
}

// Sanitize runs the outbound checks in order: mass mentions, credentials,
// exfiltration URLs, unlabeled commands, then sensitive paths. fp holds this
// turn's fingerprints and may be nil. Sanitize is idempotent: feeding its
// output back in yields the same output.
func (s *OutputSanitizer) Sanitize(text string, fp *Fingerprints) (OutboundContent, error) {
	if massMentionPattern.MatchString(text) {
		return s.reject(MassMention, "broadcast-mention")
	}

	if rule, ok := findCredential(s.creds, text); ok {
		return s.reject(CredentialLeak, rule)
	}

	if fp.Len() > 0 {
		for _, raw := range ExtractLinks(text) {
			if origin, ok := s.urlCarriesFingerprint(raw, fp); ok {
				s.logger.Warn("url carries sensitive value", "origin", origin)
				return s.reject(ExfiltrationURL, "fingerprint:"+origin)
			}
		}
	}

	out, found := s.commands.labelCommands(text, s.cfg.CommandPolicy)
	if found && s.cfg.CommandPolicy == CommandRejectPolicy {
		return s.reject(UnlabeledCommand, "command-line")
	}
	if found {
		s.logger.Info("labeled command lines in response")
	}

	if s.resources != nil {
		if rule, ok := s.resources.MatchText(out); ok {
			s.logger.Warn("response references sensitive resource",
				"rule", rule,
				"category", CategorySensitiveResource,
			)
			return OutboundContent{}, fmt.Errorf("outbound content references %s: %w", rule, ErrSensitiveResource)
		}
	}

	return OutboundContent{text: out}, nil
}

func (s *OutputSanitizer) reject(kind SanitizeKind, rule string) (OutboundContent, error) {
	err := &SanitizeError{Kind: kind, Rule: rule}
	s.logger.Warn("response withheld", "kind", kind, "rule", rule, "category", err.Category())
	return OutboundContent{}, err
}

// urlCarriesFingerprint checks every component of a URL, raw and decoded.
func (s *OutputSanitizer) urlCarriesFingerprint(raw string, fp *Fingerprints) (string, bool) {
	for _, c := range urlComponents(raw) {
		for _, cand := range decodedForms(c) {
			if origin, ok := fp.Match(cand, s.cfg.FingerprintMatch); ok {
				return origin, true
			}
		}
	}
	return "", false
}

// urlComponents splits a URL into host labels, path segments, query keys and
// values, the fragment and userinfo.
func urlComponents(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return []string{raw}
	}
	var out []string
	if u.User != nil {
		out = append(out, u.User.Username())
		if p, ok := u.User.Password(); ok {
			out = append(out, p)
		}
	}
	out = append(out, strings.Split(u.Hostname(), ".")...)
	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out = append(out, k, v)
	}
	if u.Fragment != "" {
		out = append(out, u.EscapedFragment())
	}
	return out
}

// decodedForms returns the raw component plus its percent-decoded and
// base64-decoded forms.
func decodedForms(c string) []string {
	forms := []string{c}
	if dec, err := url.QueryUnescape(c); err == nil && dec != c {
		forms = append(forms, dec)
	}
	for _, f := range forms {
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
			if data, err := enc.DecodeString(f); err == nil && len(data) > 0 && isMostlyPrintable(data) {
				forms = append(forms, string(data))
				break
			}
		}
	}
	return forms
}
