// Package security – provenance.go tracks where a URL came from. A URL that
// arrived in an inbound message, a generator response or fetched content is
// external and may only be fetched after the principal confirms it.
package security

import (
	"regexp"
	"strings"
)

// Origin is the source a URL was extracted from.
type Origin string

const (
	OriginInbound   Origin = "inbound"
	OriginGenerator Origin = "generator"
	OriginFetched   Origin = "fetched"
	OriginConfig    Origin = "config"
)

// External reports whether URLs of this origin need confirmation.
func (o Origin) External() bool { return o != OriginConfig }

// TrackedURL is a URL literal with its provenance. The fetcher accepts
// nothing else.
type TrackedURL struct {
	Raw    string
	Origin Origin
	TurnID string
}

// RequiresConfirmation reports whether the principal must confirm u before
// any request is made.
func (u TrackedURL) RequiresConfirmation() bool { return u.Origin.External() }

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?|ftp|wss?|file)://[^\s<>"'` + "`" + `]+`)

// ExtractURLs returns every URL literal in text, in order of appearance.
// Trailing punctuation that usually closes a sentence is dropped.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		m = trimUnbalanced(m, '(', ')')
		m = trimUnbalanced(m, '[', ']')
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// bareLinkPattern matches scheme-less links such as evil.example/leak?x=1,
// which chat clients turn into clickable links. The leading group stands in
// for a lookbehind so that file names, e-mail domains and path fragments are
// not picked up.
var bareLinkPattern = regexp.MustCompile(`(?i)(?:^|[^\w@./:%-])((?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}(?::\d{1,5})?(?:[/?#][^\s<>"'` + "`" + `]*)?)`)

// ExtractLinks returns every URL literal in text plus the scheme-less links
// a chat client would render as clickable. Bare links are returned with an
// http:// prefix so they parse as URLs.
func ExtractLinks(text string) []string {
	out := ExtractURLs(text)
	rest := urlPattern.ReplaceAllString(text, " ")
	for _, m := range bareLinkPattern.FindAllStringSubmatch(rest, -1) {
		link := strings.TrimRight(m[1], ".,;:!?")
		link = trimUnbalanced(link, '(', ')')
		link = trimUnbalanced(link, '[', ']')
		if link != "" {
			out = append(out, "http://"+link)
		}
	}
	return out
}

// TrackURLs extracts URLs from text and tags them with origin and turn.
func TrackURLs(text string, origin Origin, turnID string) []TrackedURL {
	raw := ExtractURLs(text)
	out := make([]TrackedURL, len(raw))
	for i, r := range raw {
		out[i] = TrackedURL{Raw: r, Origin: origin, TurnID: turnID}
	}
	return out
}

// trimUnbalanced drops trailing closers that have no opener in s, as in
// "(see https://example.com/a)".
func trimUnbalanced(s string, open, closer byte) string {
	for strings.HasSuffix(s, string(closer)) && strings.Count(s, string(closer)) > strings.Count(s, string(open)) {
		s = s[:len(s)-1]
	}
	return s
}
