// Package security – injection.go implements the inbound injection scanner.
// Detection is pattern- and structure-level only: a phrase table, line-prefix
// markers, nested base64 payloads, invisible code points and a drift
// heuristic over recent history. Findings are advisory but pause the turn
// until the principal confirms.
package security

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ScanCategory is the class of injection signal a rule detects.
type ScanCategory string

const (
	InstructionOverride ScanCategory = "instruction-override"
	RoleImpersonation   ScanCategory = "role-impersonation"
	SystemAdminMarker   ScanCategory = "system-admin-marker"
	EncodedPayload      ScanCategory = "encoded-payload"
	HiddenCharacter     ScanCategory = "hidden-character"
	GradualDrift        ScanCategory = "gradual-drift"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RuleAction says what the pipeline does with a finding.
type RuleAction string

const (
	// ActionPause stops the turn and asks the principal for confirmation.
	ActionPause RuleAction = "pause"
	// ActionAnnotate records the finding without pausing.
	ActionAnnotate RuleAction = "annotate"
)

// Span is a byte range in the scanned text. Phrase rules report offsets in
// the normalized text (NFKC, invisible code points removed).
type Span struct {
	Start int
	End   int
}

// ScanResult is one finding attached to an inbound event.
type ScanResult struct {
	Category ScanCategory
	Rule     string
	Span     Span
	Match    string
	Severity Severity
	Action   RuleAction
}

// InjectionRule is one row of the phrase table.
type InjectionRule struct {
	Name     string
	Category ScanCategory
	Severity Severity
	Pattern  *regexp.Regexp
	Action   RuleAction
}

// ScannerConfig configures the injection scanner.
type ScannerConfig struct {
	// ExtraPhrases are appended to the built-in table as
	// instruction-override rules. The built-in table cannot be removed.
	ExtraPhrases []string `yaml:"extra_phrases"`

	// MaxDecodeDepth bounds nested base64 decoding. Defaults to 2.
	MaxDecodeDepth int `yaml:"max_decode_depth"`

	// Drift configures the gradual-drift heuristic.
	Drift DriftConfig `yaml:"drift"`
}

// InjectionScanner scans untrusted text for injection signals.
type InjectionScanner struct {
	rules    []InjectionRule
	maxDepth int
	drift    *DriftDetector
	logger   *slog.Logger
}

// base64Run matches candidate base64 payloads in either alphabet.
var base64Run = regexp.MustCompile(`[A-Za-z0-9+/_-]{24,}={0,2}`)

// DefaultInjectionRules returns the built-in phrase table.
func DefaultInjectionRules() []InjectionRule {
	return []InjectionRule{
		{
			Name:     "ignore-prior-instructions",
			Category: InstructionOverride,
			Severity: SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override|bypass)\s+(?:(?:all|any|the|your|my|of)\s+)*(previous|prior|above|earlier|preceding|former|original|system)\s+(instructions?|directions?|directives?|rules?|prompts?|guidelines?|commands?|context)\b`),
			Action:   ActionPause,
		},
		{
			Name:     "ignore-everything-above",
			Category: InstructionOverride,
			Severity: SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(everything|all)\s+(above|before|said)\b`),
			Action:   ActionPause,
		},
		{
			Name:     "new-instructions",
			Category: InstructionOverride,
			Severity: SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)\b(new|updated|revised|real)\s+(system\s+)?instructions?\s*:`),
			Action:   ActionPause,
		},
		{
			Name:     "do-not-follow",
			Category: InstructionOverride,
			Severity: SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)\b(do\s+not|don't|stop)\s+follow(ing)?\s+(your|the)\s+(previous\s+|original\s+|system\s+)?(instructions|rules|guidelines)\b`),
			Action:   ActionPause,
		},
		{
			Name:     "you-are-now",
			Category: RoleImpersonation,
			Severity: SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
			Action:   ActionPause,
		},
		{
			Name:     "act-as",
			Category: RoleImpersonation,
			Severity: SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)\b(act|behave|respond|roleplay)\s+as\s+(if\s+you\s+(are|were)\s+)?(a|an|the|my)\b`),
			Action:   ActionPause,
		},
		{
			Name:     "pretend-to-be",
			Category: RoleImpersonation,
			Severity: SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are|you're)\b`),
			Action:   ActionPause,
		},
		{
			Name:     "from-now-on",
			Category: RoleImpersonation,
			Severity: SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)\bfrom\s+now\s+on,?\s+(you|your)\s+(are|will|must|role)\b`),
			Action:   ActionPause,
		},
		{
			Name:     "jailbreak-mode",
			Category: RoleImpersonation,
			Severity: SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)\b(DAN|developer|god|unrestricted)\s+mode\b|\bjailbreak`),
			Action:   ActionPause,
		},
		{
			Name:     "system-admin-prefix",
			Category: SystemAdminMarker,
			Severity: SeverityHigh,
			Pattern:  regexp.MustCompile(`(?m)^[\s>*_#-]*(SYSTEM|ADMIN)\s*:`),
			Action:   ActionPause,
		},
		{
			Name:     "chat-template-token",
			Category: SystemAdminMarker,
			Severity: SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)<\|\s*im_start\s*\|>\s*system|<\|\s*system\s*\|>|\[/?INST\]|<<SYS>>|</?system>`),
			Action:   ActionPause,
		},
	}
}

// NewInjectionScanner compiles the scanner tables.
func NewInjectionScanner(cfg ScannerConfig, logger *slog.Logger) (*InjectionScanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxDecodeDepth <= 0 {
		cfg.MaxDecodeDepth = 2
	}

	rules := DefaultInjectionRules()
	for i, phrase := range cfg.ExtraPhrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		words := strings.Fields(phrase)
		for j, w := range words {
			words[j] = regexp.QuoteMeta(w)
		}
		re, err := regexp.Compile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compiling extra phrase %d: %w", i, err)
		}
		rules = append(rules, InjectionRule{
			Name:     fmt.Sprintf("custom-%d", i+1),
			Category: InstructionOverride,
			Severity: SeverityMedium,
			Pattern:  re,
			Action:   ActionPause,
		})
	}

	return &InjectionScanner{
		rules:    rules,
		maxDepth: cfg.MaxDecodeDepth,
		drift:    NewDriftDetector(cfg.Drift),
		logger:   logger.With("component", "injection_scanner"),
	}, nil
}

// Rules returns a copy of the compiled phrase table.
func (s *InjectionScanner) Rules() []InjectionRule {
	out := make([]InjectionRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Scan inspects a single text. The result is empty when nothing matched.
func (s *InjectionScanner) Scan(text string) []ScanResult {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	results := scanHidden(text)
	results = append(results, s.scanText(text, 0)...)
	s.logFindings(results)
	return results
}

// ScanWithHistory runs Scan plus the gradual-drift heuristic over the
// principal's recent messages, oldest first.
func (s *InjectionScanner) ScanWithHistory(text string, recent []string) []ScanResult {
	results := s.Scan(text)
	if r, ok := s.drift.Detect(recent, text); ok {
		results = append(results, r)
		s.logFindings([]ScanResult{r})
	}
	return results
}

// scanText runs the phrase table and the nested base64 check.
func (s *InjectionScanner) scanText(text string, depth int) []ScanResult {
	clean := normalizeForScan(text)

	var results []ScanResult
	for _, rule := range s.rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(clean, -1) {
			results = append(results, ScanResult{
				Category: rule.Category,
				Rule:     rule.Name,
				Span:     Span{Start: loc[0], End: loc[1]},
				Match:    truncateMatch(clean[loc[0]:loc[1]]),
				Severity: rule.Severity,
				Action:   rule.Action,
			})
		}
	}

	if depth >= s.maxDepth {
		return results
	}
	for _, loc := range base64Run.FindAllStringIndex(clean, -1) {
		decoded, ok := decodeBase64Text(clean[loc[0]:loc[1]])
		if !ok {
			continue
		}
		inner := s.scanText(decoded, depth+1)
		if len(inner) == 0 {
			continue
		}
		results = append(results, ScanResult{
			Category: EncodedPayload,
			Rule:     "base64:" + inner[0].Rule,
			Span:     Span{Start: loc[0], End: loc[1]},
			Match:    truncateMatch(decoded),
			Severity: SeverityHigh,
			Action:   ActionPause,
		})
	}
	return results
}

func (s *InjectionScanner) logFindings(results []ScanResult) {
	for _, r := range results {
		s.logger.Warn("injection signal",
			"category", r.Category,
			"rule", r.Rule,
			"severity", r.Severity,
			"start", r.Span.Start,
		)
	}
}

// ShouldPause reports whether any finding requires confirmation.
func ShouldPause(results []ScanResult) bool {
	for _, r := range results {
		if r.Action != ActionAnnotate {
			return true
		}
	}
	return false
}

// Categories returns the distinct categories of a result set, sorted.
func Categories(results []ScanResult) []ScanCategory {
	seen := make(map[ScanCategory]bool)
	var out []ScanCategory
	for _, r := range results {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------- Hidden characters ----------

// isHiddenRune reports zero-width, invisible formatting, bidi control and
// tag code points.
func isHiddenRune(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F: // ZWSP, ZWNJ, ZWJ, LRM, RLM
		return true
	case r >= 0x202A && r <= 0x202E: // bidi embeddings and overrides
		return true
	case r >= 0x2060 && r <= 0x2064: // word joiner, invisible operators
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r == 0xFEFF, r == 0x180E, r == 0x00AD, r == 0x034F:
		return true
	case r >= 0xE0000 && r <= 0xE007F: // tag characters
		return true
	}
	return false
}

// scanHidden reports each contiguous run of invisible code points.
func scanHidden(text string) []ScanResult {
	var results []ScanResult
	start := -1
	var codes []string
	flush := func(end int) {
		if start < 0 {
			return
		}
		results = append(results, ScanResult{
			Category: HiddenCharacter,
			Rule:     "invisible-codepoint",
			Span:     Span{Start: start, End: end},
			Match:    truncateMatch(strings.Join(codes, " ")),
			Severity: SeverityMedium,
			Action:   ActionPause,
		})
		start = -1
		codes = codes[:0]
	}
	for i, r := range text {
		if isHiddenRune(r) {
			if start < 0 {
				start = i
			}
			codes = append(codes, fmt.Sprintf("U+%04X", r))
			continue
		}
		flush(i)
	}
	flush(len(text))
	return results
}

// normalizeForScan removes invisible code points and applies NFKC so that
// compatibility forms (full-width letters, ligatures) match the ASCII table.
func normalizeForScan(text string) string {
	stripped := strings.Map(func(r rune) rune {
		if isHiddenRune(r) {
			return -1
		}
		return r
	}, text)
	return norm.NFKC.String(stripped)
}

// ---------- Base64 ----------

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeBase64Text decodes a candidate run and accepts it only when the
// result is mostly printable UTF-8 text.
func decodeBase64Text(run string) (string, bool) {
	for _, enc := range base64Encodings {
		candidate := run
		if enc == base64.RawStdEncoding || enc == base64.RawURLEncoding {
			candidate = strings.TrimRight(run, "=")
		}
		data, err := enc.DecodeString(candidate)
		if err != nil || len(data) == 0 {
			continue
		}
		if isMostlyPrintable(data) {
			return string(data), true
		}
	}
	return "", false
}

func isMostlyPrintable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	total, printable := 0, 0
	for _, r := range string(data) {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return total > 0 && printable*10 >= total*9
}

func truncateMatch(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
