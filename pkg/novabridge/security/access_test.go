package security

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestAccessGate_Authorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  AccessConfig
		ev   InboundEvent
		want bool
	}{
		{"principal", AccessConfig{Principal: "12345"}, InboundEvent{SenderID: "12345", ChatID: "12345"}, true},
		{"other sender", AccessConfig{Principal: "12345"}, InboundEvent{SenderID: "999", ChatID: "999"}, false},
		{"missing sender", AccessConfig{Principal: "12345"}, InboundEvent{ChatID: "12345"}, false},
		{"no principal configured", AccessConfig{}, InboundEvent{SenderID: "12345"}, false},
		{"pinned chat matches", AccessConfig{Principal: "12345", ChatID: "12345"}, InboundEvent{SenderID: "12345", ChatID: "12345"}, true},
		{"pinned chat mismatch", AccessConfig{Principal: "12345", ChatID: "12345"}, InboundEvent{SenderID: "12345", ChatID: "-100777"}, false},
		{"whitespace in config", AccessConfig{Principal: " 12345 "}, InboundEvent{SenderID: "12345"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewAccessGate(tt.cfg, slog.Default())
			if got := g.Authorize(tt.ev); got != tt.want {
				t.Errorf("Authorize(%+v) = %v, want %v", tt.ev, got, tt.want)
			}
		})
	}
}

func TestAccessGate_NoCachedAuthorization(t *testing.T) {
	t.Parallel()
	g := NewAccessGate(AccessConfig{Principal: "12345"}, nil)

	if !g.Authorize(InboundEvent{SenderID: "12345"}) {
		t.Fatal("principal should be authorized")
	}
	if g.Authorize(InboundEvent{SenderID: "999"}) {
		t.Error("a previous authorization must not carry over to another sender")
	}
	if g.Authorize(InboundEvent{SenderID: "999"}) {
		t.Error("repeated attempts must stay denied")
	}
	if got := g.Denied(); got != 2 {
		t.Errorf("Denied() = %d, want 2", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Category
	}{
		{nil, CategoryNone},
		{&SanitizeError{Kind: MassMention}, CategoryMassMention},
		{fmt.Errorf("wrapped: %w", &SanitizeError{Kind: CredentialLeak, Rule: "jwt"}), CategoryCredentialLeak},
		{fmt.Errorf("path: %w", ErrSensitiveResource), CategorySensitiveResource},
		{fmt.Errorf("dial: %w", ErrEgressBlocked), CategoryEgressBlocked},
		{ErrInjectionDetected, CategoryInjection},
		{ErrAccessDenied, CategoryAccessDenied},
		{errors.New("boom"), CategoryInternal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNotice_CategoryOnly(t *testing.T) {
	t.Parallel()

	if got := Notice(CategoryAccessDenied); got != "" {
		t.Errorf("Notice(access_denied) = %q, want silence", got)
	}
	err := &SanitizeError{Kind: CredentialLeak, Rule: "github-token"}
	notice := Notice(Classify(err))
	if notice == "" {
		t.Fatal("credential leak must produce a notice")
	}
	if strings.Contains(notice, "github-token") {
		t.Errorf("notice %q leaks the rule name", notice)
	}
	for _, c := range []Category{CategoryTimeout, CategoryProcessFailure, CategoryAbandoned, CategoryEgressBlocked} {
		if Notice(c) == "" {
			t.Errorf("Notice(%q) is empty", c)
		}
	}
}

func TestCategory_Terminal(t *testing.T) {
	t.Parallel()

	if CategoryInjection.Terminal() {
		t.Error("injection pauses, it is not terminal")
	}
	if CategoryTimeout.Terminal() {
		t.Error("timeout may be retried")
	}
	for _, c := range []Category{CategoryAccessDenied, CategorySensitiveResource, CategoryEgressBlocked, CategoryCredentialLeak, CategoryProcessFailure} {
		if !c.Terminal() {
			t.Errorf("%q should be terminal", c)
		}
	}
}
