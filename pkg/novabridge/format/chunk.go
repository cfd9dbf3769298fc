package format

import (
	"strings"
	"unicode/utf8"
)

// Platform message limits. Telegram allows 4096 UTF-16 units; a small
// margin is kept.
const (
	TelegramMaxLength = 4090
	DiscordMaxLength  = 2000

	minChunk       = 64
	maxFenceHeader = 16
)

// Split breaks text into chunks of at most max UTF-16 units, cutting at line
// boundaries and, for overlong lines, at the last space. A fenced code block
// cut in two is closed at the end of one chunk and reopened in the next.
func Split(text string, max int) []string {
	if max < minChunk {
		max = minChunk
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if Len(text) <= max {
		return []string{text}
	}

	// Room for a reopened fence header, the joining newline and "\n```".
	pieceLimit := max - maxFenceHeader - 6

	var (
		chunks []string
		cur    strings.Builder
		curLen int
		fence  string
	)
	flush := func() {
		if curLen == 0 {
			return
		}
		s := cur.String()
		if fence != "" {
			s += "\n```"
		}
		if strings.TrimSpace(s) != "" {
			chunks = append(chunks, strings.TrimRight(s, "\n"))
		}
		cur.Reset()
		curLen = 0
		if fence != "" {
			cur.WriteString(fence)
			curLen = Len(fence)
		}
	}
	add := func(line string, closing bool) {
		n := Len(line)
		reserve := 0
		if fence != "" && !closing {
			reserve = 4
		}
		if curLen > 0 && curLen+1+n+reserve > max {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte('\n')
			curLen++
		}
		cur.WriteString(line)
		curLen += n
	}

	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		isFence := strings.HasPrefix(t, "```")
		for _, piece := range splitLong(line, pieceLimit) {
			add(piece, isFence && fence != "")
		}
		if isFence {
			if fence == "" {
				fence = truncateRunes(t, maxFenceHeader)
			} else {
				fence = ""
			}
		}
	}
	fence = ""
	flush()
	return chunks
}

// splitLong cuts a line longer than limit at the last space before the
// limit, or at the limit itself when there is no space.
func splitLong(line string, limit int) []string {
	if Len(line) <= limit {
		return []string{line}
	}
	var out []string
	for Len(line) > limit {
		cut := indexAtLen(line, limit)
		if sp := strings.LastIndexByte(line[:cut], ' '); sp > cut/2 {
			cut = sp
		}
		out = append(out, line[:cut])
		line = strings.TrimLeft(line[cut:], " ")
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}

// Len returns the length of s in UTF-16 code units, the unit Telegram uses
// for its limits.
func Len(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// indexAtLen returns the byte offset at which s reaches n UTF-16 units.
func indexAtLen(s string, n int) int {
	units := 0
	for i, r := range s {
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if units+w > n {
			return i
		}
		units += w
	}
	return len(s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
