// Package security – drift.go implements the gradual-drift heuristic: a
// conversation that walks away from its opening request in small steps, or
// that steadily accumulates steering vocabulary, is flagged.
package security

import (
	"fmt"
	"strings"
	"unicode"
)

// DriftConfig configures the gradual-drift heuristic.
type DriftConfig struct {
	// Disabled turns the heuristic off.
	Disabled bool `yaml:"disabled"`

	// Window is how many messages, including the current one, are compared.
	// Defaults to 6.
	Window int `yaml:"window"`

	// AnchorThreshold is the similarity to the first message of the window
	// under which the conversation counts as drifted. Defaults to 0.1.
	AnchorThreshold float64 `yaml:"anchor_threshold"`

	// StepThreshold is the minimum similarity between consecutive messages
	// for the walk to count as gradual. Defaults to 0.15.
	StepThreshold float64 `yaml:"step_threshold"`
}

// DriftDetector compares the current message with recent history.
type DriftDetector struct {
	cfg DriftConfig
}

// steeringWords are terms that show up when a conversation is being walked
// towards configuration, credentials or instruction changes.
var steeringWords = map[string]bool{
	"instruction": true, "instructions": true, "rules": true, "system": true,
	"prompt": true, "config": true, "configuration": true, "secret": true,
	"secrets": true, "token": true, "tokens": true, "password": true,
	"reveal": true, "bypass": true, "override": true, "admin": true,
	"root": true, "credentials": true, "env": true, "ssh": true,
	"restrictions": true, "unfiltered": true,
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "with": true,
	"that": true, "this": true, "are": true, "was": true, "but": true,
	"not": true, "can": true, "what": true, "how": true, "have": true,
	"your": true, "from": true, "about": true, "now": true, "then": true,
	"please": true, "just": true, "also": true, "could": true, "would": true,
}

// NewDriftDetector applies defaults to cfg.
func NewDriftDetector(cfg DriftConfig) *DriftDetector {
	if cfg.Window <= 0 {
		cfg.Window = 6
	}
	if cfg.Window < 3 {
		cfg.Window = 3
	}
	if cfg.AnchorThreshold <= 0 {
		cfg.AnchorThreshold = 0.1
	}
	if cfg.StepThreshold <= 0 {
		cfg.StepThreshold = 0.15
	}
	return &DriftDetector{cfg: cfg}
}

// Detect returns a gradual-drift finding for current given the recent
// messages, oldest first. At least two prior messages are required.
func (d *DriftDetector) Detect(recent []string, current string) (ScanResult, bool) {
	if d.cfg.Disabled {
		return ScanResult{}, false
	}
	seq := make([]string, 0, d.cfg.Window)
	if n := len(recent); n > d.cfg.Window-1 {
		recent = recent[n-(d.cfg.Window-1):]
	}
	seq = append(seq, recent...)
	seq = append(seq, current)
	if len(seq) < 3 {
		return ScanResult{}, false
	}

	sets := make([]map[string]bool, len(seq))
	for i, msg := range seq {
		sets[i] = tokenSet(msg)
	}

	if r, ok := d.detectWalk(sets); ok {
		return r, true
	}
	return d.detectEscalation(seq)
}

// detectWalk flags a conversation whose last message no longer resembles the
// anchor while every step resembled the previous one.
func (d *DriftDetector) detectWalk(sets []map[string]bool) (ScanResult, bool) {
	anchor, last := sets[0], sets[len(sets)-1]
	if len(anchor) == 0 || len(last) == 0 {
		return ScanResult{}, false
	}
	anchorSim := jaccard(anchor, last)
	if anchorSim >= d.cfg.AnchorThreshold {
		return ScanResult{}, false
	}
	for i := 1; i < len(sets); i++ {
		if jaccard(sets[i-1], sets[i]) < d.cfg.StepThreshold {
			return ScanResult{}, false
		}
	}
	return ScanResult{
		Category: GradualDrift,
		Rule:     "topic-walk",
		Match:    fmt.Sprintf("anchor similarity %.2f over %d messages", anchorSim, len(sets)),
		Severity: SeverityLow,
		Action:   ActionPause,
	}, true
}

// detectEscalation flags steering vocabulary that grows over the last three
// messages and is dense in the current one.
func (d *DriftDetector) detectEscalation(seq []string) (ScanResult, bool) {
	tail := seq[len(seq)-3:]
	counts := make([]int, len(tail))
	for i, msg := range tail {
		for _, w := range words(msg) {
			if steeringWords[w] {
				counts[i]++
			}
		}
	}
	if counts[2] < 3 || !(counts[0] < counts[1] && counts[1] < counts[2]) {
		return ScanResult{}, false
	}
	return ScanResult{
		Category: GradualDrift,
		Rule:     "steering-escalation",
		Match:    fmt.Sprintf("steering terms %d -> %d -> %d", counts[0], counts[1], counts[2]),
		Severity: SeverityLow,
		Action:   ActionPause,
	}, true
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range words(text) {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
