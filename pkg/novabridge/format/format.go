// Package format converts generator Markdown into what the chat platforms
// accept: Telegram HTML, plain text for the fallback path, and chunks that
// fit the platform message limits.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	fenceRe      = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	imageRe      = regexp.MustCompile(`!\[([^\]\n]*)\]\([^)\s]*\)`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t#]*$`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_\n]+)__`)
	italicStarRe = regexp.MustCompile(`(^|[^\w*])\*([^*\s][^*\n]*?)\*`)
	italicUndRe  = regexp.MustCompile(`(^|[^\w])_([^_\s][^_\n]*?)_([^\w]|$)`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+)~~`)
	ruleRe       = regexp.MustCompile(`(?m)^[ \t]*(?:-{3,}|\*{3,}|_{3,})[ \t]*$`)
	quoteRe      = regexp.MustCompile(`(?m)^>[ \t]?`)
	listRe       = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
)

// protector swaps code spans for placeholders so inline rules do not touch
// them, then puts the rendered spans back.
type protector struct {
	spans []string
}

func (p *protector) put(rendered string) string {
	ph := fmt.Sprintf("\x00%d\x00", len(p.spans))
	p.spans = append(p.spans, rendered)
	return ph
}

func (p *protector) restore(text string) string {
	for i := len(p.spans) - 1; i >= 0; i-- {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00%d\x00", i), p.spans[i])
	}
	return text
}

// ToTelegramHTML converts Markdown to the HTML subset Telegram accepts
// (<b>, <i>, <s>, <code>, <pre>). Everything else is escaped. Links are
// rendered as "text (url)" so the target stays visible.
func ToTelegramHTML(md string) string {
	md = strings.ReplaceAll(md, "\x00", "")
	p := &protector{}

	md = fenceRe.ReplaceAllStringFunc(md, func(m string) string {
		sub := fenceRe.FindStringSubmatch(m)
		lang, body := sub[1], strings.TrimRight(sub[2], "\n")
		if lang != "" {
			return p.put(fmt.Sprintf("<pre><code class=\"language-%s\">%s</code></pre>", lang, html.EscapeString(body)))
		}
		return p.put("<pre>" + html.EscapeString(body) + "</pre>")
	})
	md = inlineCodeRe.ReplaceAllStringFunc(md, func(m string) string {
		return p.put("<code>" + html.EscapeString(m[1:len(m)-1]) + "</code>")
	})

	text := escapeHTML(md)
	text = imageRe.ReplaceAllString(text, "[image: $1]")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = headerRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicStarRe.ReplaceAllString(text, "$1<i>$2</i>")
	text = italicUndRe.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = ruleRe.ReplaceAllString(text, "───────")
	text = listRe.ReplaceAllString(text, "$1• ")

	return strings.TrimSpace(p.restore(text))
}

// ToPlainText strips Markdown markup, keeping code content and link targets.
func ToPlainText(md string) string {
	md = strings.ReplaceAll(md, "\x00", "")
	p := &protector{}

	md = fenceRe.ReplaceAllStringFunc(md, func(m string) string {
		sub := fenceRe.FindStringSubmatch(m)
		return p.put(strings.TrimRight(sub[2], "\n"))
	})
	md = inlineCodeRe.ReplaceAllStringFunc(md, func(m string) string {
		return p.put(m[1 : len(m)-1])
	})

	text := imageRe.ReplaceAllString(md, "[image: $1]")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = headerRe.ReplaceAllString(text, "$1")
	text = boldStarRe.ReplaceAllString(text, "$1")
	text = boldUnderRe.ReplaceAllString(text, "$1")
	text = italicStarRe.ReplaceAllString(text, "$1$2")
	text = italicUndRe.ReplaceAllString(text, "$1$2$3")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = ruleRe.ReplaceAllString(text, "───────")
	text = quoteRe.ReplaceAllString(text, "")
	text = listRe.ReplaceAllString(text, "$1• ")

	return strings.TrimSpace(p.restore(text))
}

// escapeHTML escapes the three characters Telegram's HTML parser requires.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
