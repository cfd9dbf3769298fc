// Package security – resource.go implements the sensitive-resource guard: a
// static deny-list of paths whose contents may never be relayed and whose
// names may never appear in outbound content.
package security

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ResourceKind says how a ResourceRule pattern is matched.
type ResourceKind string

const (
	// ResourceExact matches the base name, or the whole cleaned path when the
	// pattern contains a separator.
	ResourceExact ResourceKind = "exact"
	// ResourcePrefix matches a directory anywhere in the path (".ssh/") or,
	// for absolute patterns, a path prefix.
	ResourcePrefix ResourceKind = "prefix"
	// ResourceGlob matches the base name with filepath.Match, ignoring case.
	ResourceGlob ResourceKind = "glob"
	// ResourceSuffix matches the end of the base name, ignoring case.
	ResourceSuffix ResourceKind = "suffix"
)

// ResourceRule is one deny-list entry.
type ResourceRule struct {
	Pattern string       `yaml:"pattern"`
	Kind    ResourceKind `yaml:"kind"`
}

func (r ResourceRule) String() string { return string(r.Kind) + ":" + r.Pattern }

// ResourceConfig configures the guard. Rules extend the defaults.
type ResourceConfig struct {
	ExtraRules []ResourceRule `yaml:"extra_rules"`

	// DatabasePath is the history database, always denied.
	DatabasePath string `yaml:"-"`
}

// DefaultResourceRules returns the built-in deny-list.
func DefaultResourceRules() []ResourceRule {
	return []ResourceRule{
		{Pattern: ".env", Kind: ResourceExact},
		{Pattern: ".env.*", Kind: ResourceGlob},
		{Pattern: "database.db", Kind: ResourceExact},
		{Pattern: ".ssh/", Kind: ResourcePrefix},
		{Pattern: ".gnupg/", Kind: ResourcePrefix},
		{Pattern: "*_TOKEN", Kind: ResourceGlob},
		{Pattern: "*_KEY", Kind: ResourceGlob},
		{Pattern: "*_SECRET", Kind: ResourceGlob},
		{Pattern: "id_rsa", Kind: ResourceExact},
		{Pattern: "id_ed25519", Kind: ResourceExact},
		{Pattern: ".pem", Kind: ResourceSuffix},
		{Pattern: ".vault.enc", Kind: ResourceSuffix},
	}
}

// ResourceGuard enforces the deny-list.
type ResourceGuard struct {
	rules  []ResourceRule
	logger *slog.Logger
}

// NewResourceGuard builds the rule set once. Unknown rule kinds are an error.
func NewResourceGuard(cfg ResourceConfig, logger *slog.Logger) (*ResourceGuard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := DefaultResourceRules()
	for _, r := range cfg.ExtraRules {
		switch r.Kind {
		case ResourceExact, ResourcePrefix, ResourceGlob, ResourceSuffix:
		case "":
			r.Kind = ResourceExact
		default:
			return nil, fmt.Errorf("resource rule %q: unknown kind %q", r.Pattern, r.Kind)
		}
		if r.Kind == ResourceGlob {
			if _, err := filepath.Match(r.Pattern, ""); err != nil {
				return nil, fmt.Errorf("resource rule %q: %w", r.Pattern, err)
			}
		}
		rules = append(rules, r)
	}
	if cfg.DatabasePath != "" {
		if abs, err := filepath.Abs(cfg.DatabasePath); err == nil {
			rules = append(rules, ResourceRule{Pattern: abs, Kind: ResourceExact})
		}
		rules = append(rules, ResourceRule{Pattern: filepath.Base(cfg.DatabasePath), Kind: ResourceExact})
	}
	return &ResourceGuard{
		rules:  rules,
		logger: logger.With("component", "resource_guard"),
	}, nil
}

// Rules returns a copy of the deny-list.
func (g *ResourceGuard) Rules() []ResourceRule {
	out := make([]ResourceRule, len(g.rules))
	copy(out, g.rules)
	return out
}

// BlocksContent reports whether the contents of path may never be relayed.
// Both the literal path and its symlink target are checked.
func (g *ResourceGuard) BlocksContent(path string) bool {
	return g.Check(path) != nil
}

// Check returns ErrSensitiveResource when path or its resolved target is on
// the deny-list.
func (g *ResourceGuard) Check(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path: %w", ErrSensitiveResource)
	}
	if rule, ok := g.matchPath(path); ok {
		g.deny(path, rule)
		return fmt.Errorf("path matches %s: %w", rule, ErrSensitiveResource)
	}
	if resolved, err := filepath.EvalSymlinks(expandHome(path)); err == nil {
		if rule, ok := g.matchPath(resolved); ok {
			g.deny(path, rule)
			return fmt.Errorf("resolved path matches %s: %w", rule, ErrSensitiveResource)
		}
	}
	return nil
}

// ContainsSensitivePath reports whether text names a denied resource.
func (g *ResourceGuard) ContainsSensitivePath(text string) bool {
	_, ok := g.MatchText(text)
	return ok
}

// MatchText returns the first rule matched by a path-like token in text.
func (g *ResourceGuard) MatchText(text string) (string, bool) {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', '"', '\'', '`', '(', ')', '[', ']', '{', '}', '<', '>', ',', ';', '|', '=':
			return true
		}
		return false
	})
	for _, tok := range tokens {
		tok = strings.TrimRight(tok, ".:!?*")
		if tok == "" {
			continue
		}
		if rule, ok := g.matchPath(tok); ok {
			return rule, true
		}
	}
	return "", false
}

// ReadFile reads at most limit bytes of path after the deny-list check. A
// denied path is never opened.
func (g *ResourceGuard) ReadFile(path string, limit int64) ([]byte, error) {
	if err := g.Check(path); err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 64 * 1024
	}
	return io.ReadAll(io.LimitReader(f, limit))
}

// ---------- Internal ----------

func (g *ResourceGuard) deny(path, rule string) {
	g.logger.Warn("sensitive resource denied",
		"path", path,
		"rule", rule,
		"category", CategorySensitiveResource,
	)
}

func (g *ResourceGuard) matchPath(path string) (string, bool) {
	clean := filepath.ToSlash(filepath.Clean(expandHome(path)))
	base := clean
	if i := strings.LastIndex(clean, "/"); i >= 0 {
		base = clean[i+1:]
	}
	segments := strings.Split(clean, "/")

	for _, r := range g.rules {
		if matchRule(r, clean, base, segments) {
			return r.String(), true
		}
	}
	return "", false
}

func matchRule(r ResourceRule, clean, base string, segments []string) bool {
	switch r.Kind {
	case ResourceExact:
		if strings.Contains(r.Pattern, "/") {
			return clean == filepath.ToSlash(filepath.Clean(r.Pattern))
		}
		return strings.EqualFold(base, r.Pattern)
	case ResourcePrefix:
		p := filepath.ToSlash(r.Pattern)
		if strings.HasPrefix(p, "/") {
			dir := strings.TrimSuffix(p, "/")
			return clean == dir || strings.HasPrefix(clean, dir+"/")
		}
		dir := strings.Trim(p, "/")
		for _, seg := range segments {
			if seg == dir {
				return true
			}
		}
		return false
	case ResourceGlob:
		ok, _ := filepath.Match(strings.ToUpper(r.Pattern), strings.ToUpper(base))
		return ok
	case ResourceSuffix:
		return strings.HasSuffix(strings.ToLower(base), strings.ToLower(r.Pattern))
	}
	return false
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
