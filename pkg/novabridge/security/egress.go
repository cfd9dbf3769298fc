// Package security – egress.go implements the network egress guard. Hostnames
// are IDNA-normalized and resolved before any fetch, every resolved address is
// checked against the blocked ranges, and the same check runs again at dial
// time so a second DNS answer cannot point the connection elsewhere.
package security

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/idna"
)

// EgressRule is one blocked address range.
type EgressRule struct {
	Prefix netip.Prefix
	Label  string
}

// EgressConfig configures the guard. Both lists extend the defaults.
type EgressConfig struct {
	// ExtraBlockedRanges are CIDR prefixes added to the built-in table.
	ExtraBlockedRanges []string `yaml:"extra_blocked_ranges"`

	// BlockedHosts are hostnames that are always refused.
	BlockedHosts []string `yaml:"blocked_hosts"`

	// ResolveTimeout bounds DNS resolution. Defaults to 5s.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

// builtinBlockedHosts are refused regardless of what they resolve to.
var builtinBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
	"metadata",
}

// DefaultEgressRules returns the built-in blocked ranges.
func DefaultEgressRules() []EgressRule {
	return []EgressRule{
		{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
		{netip.MustParsePrefix("10.0.0.0/8"), "private"},
		{netip.MustParsePrefix("172.16.0.0/12"), "private"},
		{netip.MustParsePrefix("192.168.0.0/16"), "private"},
		{netip.MustParsePrefix("169.254.0.0/16"), "link-local"},
		{netip.MustParsePrefix("0.0.0.0/8"), "this-network"},
		{netip.MustParsePrefix("100.64.0.0/10"), "shared-address"},
		{netip.MustParsePrefix("224.0.0.0/4"), "multicast"},
		{netip.MustParsePrefix("::1/128"), "loopback"},
		{netip.MustParsePrefix("::/128"), "unspecified"},
		{netip.MustParsePrefix("fe80::/10"), "link-local"},
		{netip.MustParsePrefix("fc00::/7"), "unique-local"},
		{netip.MustParsePrefix("ff00::/8"), "multicast"},
	}
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EgressGuard decides whether an address may be contacted.
type EgressGuard struct {
	rules        []EgressRule
	blockedHosts []string
	resolver     Resolver
	timeout      time.Duration
	logger       *slog.Logger
}

// NewEgressGuard builds the range table once.
func NewEgressGuard(cfg EgressConfig, logger *slog.Logger) (*EgressGuard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	rules := DefaultEgressRules()
	for _, s := range cfg.ExtraBlockedRanges {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("blocked range %q: %w", s, err)
		}
		rules = append(rules, EgressRule{Prefix: p.Masked(), Label: "configured"})
	}
	hosts := append([]string{}, builtinBlockedHosts...)
	for _, h := range cfg.BlockedHosts {
		hosts = append(hosts, strings.ToLower(strings.TrimSpace(h)))
	}
	return &EgressGuard{
		rules:        rules,
		blockedHosts: hosts,
		resolver:     net.DefaultResolver,
		timeout:      cfg.ResolveTimeout,
		logger:       logger.With("component", "egress_guard"),
	}, nil
}

// SetResolver replaces the DNS resolver.
func (g *EgressGuard) SetResolver(r Resolver) { g.resolver = r }

// Rules returns a copy of the range table.
func (g *EgressGuard) Rules() []EgressRule {
	out := make([]EgressRule, len(g.rules))
	copy(out, g.rules)
	return out
}

// IsBlockedAddress reports whether host (an IP literal or a hostname) is
// blocked. Hostnames are resolved; resolution failure counts as blocked.
func (g *EgressGuard) IsBlockedAddress(host string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	return g.CheckHost(ctx, host) != nil
}

// CheckHost returns ErrEgressBlocked when host may not be contacted.
func (g *EgressGuard) CheckHost(ctx context.Context, host string) error {
	host = strings.TrimSuffix(strings.Trim(strings.TrimSpace(host), "[]"), ".")
	if host == "" {
		return fmt.Errorf("empty host: %w", ErrEgressBlocked)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return g.checkAddr(addr, host)
	}

	if err := validateIPv4Literal(host); err != nil {
		g.logger.Warn("egress blocked: legacy IPv4 form", "host", host, "category", CategoryEgressBlocked)
		return fmt.Errorf("%v: %w", err, ErrEgressBlocked)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return fmt.Errorf("host %q is not a valid name: %w", host, ErrEgressBlocked)
	}
	ascii = strings.ToLower(ascii)
	for _, blocked := range g.blockedHosts {
		if ascii == blocked || strings.HasSuffix(ascii, ".localhost") {
			g.logger.Warn("egress blocked: host", "host", ascii, "category", CategoryEgressBlocked)
			return fmt.Errorf("host %s: %w", ascii, ErrEgressBlocked)
		}
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", ascii)
	if err != nil {
		return fmt.Errorf("resolving %s: %v: %w", ascii, err, ErrEgressBlocked)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses for %s: %w", ascii, ErrEgressBlocked)
	}
	for _, addr := range addrs {
		if err := g.checkAddr(addr, ascii); err != nil {
			return err
		}
	}
	return nil
}

// CheckURL validates scheme and host of a tracked URL.
func (g *EgressGuard) CheckURL(ctx context.Context, u TrackedURL) error {
	parsed, err := url.Parse(u.Raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		g.logger.Warn("egress blocked: scheme", "scheme", parsed.Scheme, "category", CategoryEgressBlocked)
		return fmt.Errorf("scheme %q not allowed: %w", parsed.Scheme, ErrEgressBlocked)
	}
	return g.CheckHost(ctx, parsed.Hostname())
}

// DialControl is a net.Dialer Control hook that refuses blocked addresses at
// connect time.
func (g *EgressGuard) DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, ErrEgressBlocked)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, ErrEgressBlocked)
	}
	return g.checkAddr(addr, host)
}

// ---------- Internal ----------

func (g *EgressGuard) checkAddr(addr netip.Addr, host string) error {
	addr = addr.WithZone("")
	if label, blocked := g.blockedLabel(addr); blocked {
		g.logger.Warn("egress blocked: address",
			"host", host,
			"ip", addr.String(),
			"range", label,
			"category", CategoryEgressBlocked,
		)
		return fmt.Errorf("address %s (%s): %w", addr, label, ErrEgressBlocked)
	}
	return nil
}

func (g *EgressGuard) blockedLabel(addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	if embedded, ok := extractEmbeddedIPv4(addr); ok {
		if label, blocked := g.blockedLabel(embedded); blocked {
			return "embedded " + label, true
		}
	}
	for _, r := range g.rules {
		if r.Prefix.Contains(addr) {
			return r.Label, true
		}
	}
	return "", false
}

// extractEmbeddedIPv4 returns the IPv4 address carried by NAT64 (64:ff9b::/96),
// 6to4 (2002::/16), Teredo (2001:0000::/32) and ISATAP (::5efe:) addresses.
func extractEmbeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()

	v4 := func(s []byte) netip.Addr {
		return netip.AddrFrom4([4]byte{s[0], s[1], s[2], s[3]})
	}

	switch {
	case b[0] == 0x00 && b[1] == 0x64 && b[2] == 0xff && b[3] == 0x9b && isZero(b[4:12]):
		return v4(b[12:16]), true
	case b[0] == 0x20 && b[1] == 0x02:
		return v4(b[2:6]), true
	case b[0] == 0x20 && b[1] == 0x01 && b[2] == 0x00 && b[3] == 0x00:
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], binary.BigEndian.Uint32(b[12:16])^0xFFFFFFFF)
		return netip.AddrFrom4(out), true
	case b[10] == 0x5e && b[11] == 0xfe:
		return v4(b[12:16]), true
	}
	return netip.Addr{}, false
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// validateIPv4Literal refuses legacy IPv4 spellings that resolvers may expand
// to loopback or private addresses: hex (0x7f.1), octal (0177.0.0.1), short
// (127.1) and packed integers (2130706433). Dotted-decimal passes.
func validateIPv4Literal(host string) error {
	if !isPossibleIPv4Literal(host) {
		return nil
	}
	if strings.Contains(strings.ToLower(host), "0x") {
		return fmt.Errorf("hex IPv4 notation not allowed")
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return fmt.Errorf("non-standard IPv4 notation not allowed")
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("empty octet in IPv4 address")
		}
		if len(part) > 1 && part[0] == '0' {
			return fmt.Errorf("octal IPv4 notation not allowed")
		}
		val := 0
		for _, c := range part {
			if c < '0' || c > '9' {
				return fmt.Errorf("invalid character in IPv4 address")
			}
			val = val*10 + int(c-'0')
			if val > 255 {
				return fmt.Errorf("IPv4 octet out of range")
			}
		}
	}
	return nil
}

// isPossibleIPv4Literal reports whether every dot-separated part is decimal
// or 0x-prefixed hex, which is how inet_aton-style parsers read the host.
func isPossibleIPv4Literal(host string) bool {
	if host == "" {
		return false
	}
	for _, part := range strings.Split(host, ".") {
		p := strings.ToLower(part)
		if strings.HasPrefix(p, "0x") {
			p = p[2:]
			if strings.Trim(p, "0123456789abcdef") != "" {
				return false
			}
			continue
		}
		if p != "" && strings.Trim(p, "0123456789") != "" {
			return false
		}
	}
	return strings.ContainsAny(host, "0123456789")
}
