package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// HookEvent is the JSON a generator session hook receives on stdin.
type HookEvent struct {
	SessionID      string `json:"session_id"`
	Event          string `json:"hook_event_name"`
	Prompt         string `json:"prompt"`
	Response       string `json:"stop_hook_active_response"`
	TranscriptPath string `json:"transcript_path"`
}

// Hook event names.
const (
	HookUserPromptSubmit = "UserPromptSubmit"
	HookStop             = "Stop"
	HookSessionStart     = "SessionStart"
)

// HookOutput is written back to the hook runner.
type HookOutput struct {
	Continue           bool                `json:"continue"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries additional context for SessionStart.
type HookSpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

// HandleHook records the message carried by a session hook event and returns
// the output to print. SessionStart events get the prompt context attached.
func (s *Store) HandleHook(ctx context.Context, ev HookEvent) (HookOutput, error) {
	out := HookOutput{Continue: true}
	if ev.SessionID == "" {
		ev.SessionID = "unknown"
	}

	switch ev.Event {
	case HookUserPromptSubmit:
		_, err := s.SaveMessage(ctx, Message{
			Role: RoleUser, Content: ev.Prompt, Source: SourceClaudeCode, SessionID: ev.SessionID,
		})
		return out, err

	case HookStop:
		text := ev.Response
		if text == "" && ev.TranscriptPath != "" {
			var err error
			if text, err = lastAssistantText(ev.TranscriptPath); err != nil {
				s.logger.Warn("reading transcript failed", "error", err)
				return out, nil
			}
		}
		_, err := s.SaveMessage(ctx, Message{
			Role: RoleAssistant, Content: text, Source: SourceClaudeCode, SessionID: ev.SessionID,
		})
		return out, err

	case HookSessionStart:
		block, err := s.LoadContext(ctx)
		if err != nil {
			return out, err
		}
		if block != "" {
			out.HookSpecificOutput = &HookSpecificOutput{
				HookEventName:     HookSessionStart,
				AdditionalContext: block,
			}
		}
		return out, nil
	}
	return out, nil
}

// transcriptEntry is one line of a session transcript (JSONL).
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// lastAssistantText returns the text of the last assistant entry of a
// transcript file.
func lastAssistantText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e transcriptEntry
		if json.Unmarshal([]byte(line), &e) != nil || e.Type != "assistant" {
			continue
		}
		if text := contentText(e.Message.Content); text != "" {
			last = text
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}
	return last, nil
}

// contentText joins the text parts of a message content field, which is
// either a string or a list of strings and {"type":"text"} blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		var str string
		if json.Unmarshal(p, &str) == nil {
			texts = append(texts, str)
			continue
		}
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(p, &block) == nil && block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, "\n")
}
