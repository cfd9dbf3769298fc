package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

const principal = security.Principal("12345")

func injectionRequest() Request {
	return Request{
		Kind:       KindInjection,
		ChatID:     "12345",
		Principal:  principal,
		TurnID:     "turn-1",
		Categories: []security.ScanCategory{security.SystemAdminMarker, security.InstructionOverride},
	}
}

func TestCreate_ReportNamesCategoriesOnly(t *testing.T) {
	t.Parallel()
	m := NewManager(0, nil)
	id, report := m.Create(injectionRequest())

	if id == "" {
		t.Fatal("empty id")
	}
	for _, want := range []string{"instruction-override, system-admin-marker", "/confirm " + id, "/cancel " + id, "2m0s"} {
		if !strings.Contains(report, want) {
			t.Errorf("report %q missing %q", report, want)
		}
	}
}

func TestCreate_FetchReportShowsHostOnly(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute, nil)
	_, report := m.Create(Request{
		Kind:      KindFetch,
		ChatID:    "12345",
		Principal: principal,
		Subject:   "https://docs.example.com/page?token=abcd1234",
	})
	if !strings.Contains(report, "docs.example.com") {
		t.Errorf("report %q missing host", report)
	}
	if strings.Contains(report, "abcd1234") {
		t.Errorf("report %q echoes the URL query", report)
	}
}

func TestWait_ResolveConfirmAndCancel(t *testing.T) {
	t.Parallel()

	for _, confirm := range []bool{true, false} {
		m := NewManager(time.Minute, nil)
		id, _ := m.Create(injectionRequest())

		done := make(chan Outcome, 1)
		go func() {
			out, err := m.Wait(context.Background(), id)
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			done <- out
		}()

		if err := m.Resolve(id, principal, confirm); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		out := <-done

		want := Cancelled
		if confirm {
			want = Confirmed
		}
		if out.Decision != want {
			t.Errorf("Decision = %q, want %q", out.Decision, want)
		}
		if !out.Grant.IsZero() {
			t.Error("injection confirmation issued a fetch grant")
		}
		if m.PendingCount("12345") != 0 {
			t.Error("pending entry left after Wait")
		}
	}
}

func TestResolve_BoundToPrincipal(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute, nil)
	id, _ := m.Create(injectionRequest())

	if err := m.Resolve(id, "999", true); !errors.Is(err, ErrWrongPrincipal) {
		t.Errorf("Resolve by 999 = %v, want ErrWrongPrincipal", err)
	}
	if err := m.Resolve(id, "", true); !errors.Is(err, ErrWrongPrincipal) {
		t.Errorf("Resolve by empty = %v, want ErrWrongPrincipal", err)
	}
	if err := m.Resolve("nope", principal, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve unknown = %v, want ErrNotFound", err)
	}
	if err := m.Resolve(id, principal, true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Resolve(id, principal, false); !errors.Is(err, ErrResolved) {
		t.Errorf("second Resolve = %v, want ErrResolved", err)
	}
}

func TestWait_Expires(t *testing.T) {
	t.Parallel()
	m := NewManager(50*time.Millisecond, nil)
	id, _ := m.Create(injectionRequest())

	out, err := m.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Decision != Expired {
		t.Errorf("Decision = %q, want expired", out.Decision)
	}
	if err := m.Resolve(id, principal, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve after expiry = %v, want ErrNotFound", err)
	}
}

func TestWait_ContextCancel(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute, nil)
	id, _ := m.Create(injectionRequest())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Wait(ctx, id); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
	if _, err := m.Wait(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Wait(missing) = %v, want ErrNotFound", err)
	}
}

func TestLatest(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute, nil)
	base := time.Now()
	m.now = func() time.Time { return base }
	first, _ := m.Create(injectionRequest())
	m.now = func() time.Time { return base.Add(time.Second) }
	second, _ := m.Create(injectionRequest())

	if got := m.Latest("12345"); got != second {
		t.Errorf("Latest = %q, want %q (first was %q)", got, second, first)
	}
	if got := m.Latest("other"); got != "" {
		t.Errorf("Latest(other) = %q, want empty", got)
	}
}

func TestFetchGrant_SingleUseAndBound(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute, nil)
	const target = "https://docs.example.com/page"
	id, _ := m.Create(Request{Kind: KindFetch, ChatID: "12345", Principal: principal, Subject: target})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Resolve(id, principal, true)
	}()
	out, err := m.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Decision != Confirmed || out.Grant.IsZero() {
		t.Fatalf("Outcome = %+v, want a confirmed grant", out)
	}

	if err := m.Redeem(out.Grant, "https://evil.example/"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Redeem other URL = %v, want ErrInvalidGrant", err)
	}
	if err := m.Redeem(out.Grant, target); err != nil {
		t.Errorf("Redeem = %v", err)
	}
	if err := m.Redeem(out.Grant, target); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second Redeem = %v, want ErrInvalidGrant", err)
	}
	if err := m.Redeem(Grant{}, target); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Redeem zero grant = %v, want ErrInvalidGrant", err)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute, nil)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Create(injectionRequest())

	if n := m.Sweep(); n != 0 {
		t.Errorf("Sweep before expiry removed %d", n)
	}
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if n := m.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if m.PendingCount("12345") != 0 {
		t.Error("expired confirmation kept")
	}
}
