// Package security – fingerprint.go holds the per-turn set of sensitive
// values (file contents read during the turn, process secrets) that the
// sanitizer looks for inside outbound URLs.
package security

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
	"sync"
)

// MatchMode selects how URL components are compared with fingerprints.
type MatchMode string

const (
	// MatchExact requires a decoded URL component to equal a fingerprint.
	MatchExact MatchMode = "exact"
	// MatchSubstring flags any component that contains a fingerprint.
	MatchSubstring MatchMode = "substring"
)

// MinFingerprintLen is the shortest value tracked. Shorter values would match
// ordinary URL fragments.
const MinFingerprintLen = 6

// maxContentFingerprints caps how many values one file read contributes.
const maxContentFingerprints = 2000

var (
	assignmentValue = regexp.MustCompile(`^\s*(?:export\s+)?[A-Za-z_][A-Za-z0-9_.-]*\s*[:=]\s*["']?([^"'\s#]+)`)
	contentToken    = regexp.MustCompile(`[A-Za-z0-9+/=_.-]{8,}`)
)

// Fingerprints is a set of sensitive values, each tagged with where it came
// from. A Fingerprints value lives for one turn and is discarded afterwards.
type Fingerprints struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewFingerprints returns an empty set.
func NewFingerprints() *Fingerprints {
	return &Fingerprints{values: make(map[string]string)}
}

// Add tracks a single value. Values shorter than MinFingerprintLen are
// ignored.
func (f *Fingerprints) Add(origin, value string) {
	value = strings.TrimSpace(value)
	if len(value) < MinFingerprintLen {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[value]; !ok {
		f.values[value] = origin
	}
}

// AddContent extracts fingerprints from file content: the value side of every
// KEY=VALUE or key: value line, and every long token that contains a digit.
func (f *Fingerprints) AddContent(origin string, content []byte) {
	added := 0
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() && added < maxContentFingerprints {
		line := sc.Text()
		if m := assignmentValue.FindStringSubmatch(line); m != nil {
			f.Add(origin, m[1])
			added++
		}
		for _, tok := range contentToken.FindAllString(line, -1) {
			tok = strings.Trim(tok, ".=-")
			if !strings.ContainsAny(tok, "0123456789") {
				continue
			}
			f.Add(origin, tok)
			added++
		}
	}
}

// Merge copies every value of other into f.
func (f *Fingerprints) Merge(other *Fingerprints) {
	if other == nil || other == f {
		return
	}
	other.mu.RLock()
	snapshot := make(map[string]string, len(other.values))
	for v, o := range other.values {
		snapshot[v] = o
	}
	other.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	for v, o := range snapshot {
		if _, ok := f.values[v]; !ok {
			f.values[v] = o
		}
	}
}

// Clone returns an independent copy.
func (f *Fingerprints) Clone() *Fingerprints {
	out := NewFingerprints()
	out.Merge(f)
	return out
}

// Len returns the number of tracked values.
func (f *Fingerprints) Len() int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.values)
}

// Clear drops every value.
func (f *Fingerprints) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = make(map[string]string)
}

// Match reports whether candidate hits a tracked value and returns the
// value's origin.
func (f *Fingerprints) Match(candidate string, mode MatchMode) (string, bool) {
	if f == nil || len(candidate) < MinFingerprintLen {
		return "", false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if origin, ok := f.values[candidate]; ok {
		return origin, true
	}
	if mode == MatchExact {
		return "", false
	}
	for v, origin := range f.values {
		if strings.Contains(candidate, v) {
			return origin, true
		}
	}
	return "", false
}
