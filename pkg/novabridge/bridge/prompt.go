package bridge

import (
	"context"
	"strings"
)

// buildPrompt assembles the generator prompt: persona, conversation
// history, attachments, then the principal's message. History and
// attachments are already wrapped as untrusted data.
func (b *Bridge) buildPrompt(ctx context.Context, t *turn) (string, error) {
	var sb strings.Builder
	sb.WriteString(b.cfg.SystemPrompt)
	sb.WriteString("\n\n")

	if b.deps.History != nil {
		history, err := b.deps.History.LoadContext(ctx)
		if err != nil {
			// A prompt without history is still useful.
			t.logger.Warn("loading history context failed", "error", err)
		} else if history != "" {
			sb.WriteString(history)
			sb.WriteString("\n\n")
		}
	}

	for _, a := range t.attachments {
		sb.WriteString(a)
		sb.WriteString("\n\n")
	}

	sb.WriteString(userText(t.job))
	return sb.String(), nil
}

// userText is what the principal asked. For /file and /fetch it is the
// question after the argument, with a default when none was given.
func userText(j *job) string {
	switch j.kind {
	case jobFile:
		if j.question != "" {
			return j.question
		}
		return "Summarize this file."
	case jobFetch:
		if j.question != "" {
			return j.question
		}
		return "Summarize this page."
	}
	return strings.TrimSpace(j.msg.Content)
}
