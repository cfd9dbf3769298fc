package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage

	mu        sync.Mutex
	connected bool
	sent      []string
	typing    int
}

func newStub(name string) *stubChannel {
	return &stubChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}
func (s *stubChannel) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}
func (s *stubChannel) Send(_ context.Context, to string, msg *OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+":"+msg.Content)
	return nil
}
func (s *stubChannel) Receive() <-chan *IncomingMessage { return s.in }
func (s *stubChannel) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *stubChannel) Health() HealthStatus { return HealthStatus{Connected: s.IsConnected()} }
func (s *stubChannel) SendTyping(context.Context, string) error {
	s.mu.Lock()
	s.typing++
	s.mu.Unlock()
	return nil
}

func TestManager_MergesAndRoutes(t *testing.T) {
	t.Parallel()
	tg, dc := newStub("telegram"), newStub("discord")
	m := NewManager(nil)
	for _, ch := range []Channel{tg, dc} {
		if err := m.Register(ch); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := m.Register(newStub("telegram")); err == nil {
		t.Error("duplicate Register succeeded")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tg.in <- &IncomingMessage{Channel: "telegram", Content: "a"}
	dc.in <- &IncomingMessage{Channel: "discord", Content: "b"}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Messages():
			got[msg.Channel] = true
		case <-time.After(2 * time.Second):
			t.Fatal("message not forwarded")
		}
	}
	if !got["telegram"] || !got["discord"] {
		t.Errorf("forwarded = %v", got)
	}

	if err := m.Send(context.Background(), "discord", "dm-1", &OutgoingMessage{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(dc.sent) != 1 || dc.sent[0] != "dm-1:hi" {
		t.Errorf("discord sent = %v", dc.sent)
	}
	if err := m.Send(context.Background(), "slack", "x", &OutgoingMessage{}); err == nil {
		t.Error("Send to unknown channel succeeded")
	}
	if err := m.SendTyping(context.Background(), "telegram", "1"); err != nil || tg.typing != 1 {
		t.Errorf("SendTyping = %v, typing = %d", err, tg.typing)
	}

	m.Stop()
	if tg.IsConnected() || dc.IsConnected() {
		t.Error("channels still connected after Stop")
	}
}

func TestManager_StartFailures(t *testing.T) {
	t.Parallel()

	if err := NewManager(nil).Start(context.Background()); err == nil {
		t.Error("Start without channels succeeded")
	}

	bad := newStub("telegram")
	bad.connectErr = errors.New("boom")
	m := NewManager(nil)
	_ = m.Register(bad)
	if err := m.Start(context.Background()); err == nil {
		t.Error("Start with no connected channel succeeded")
	}

	ok := newStub("discord")
	m2 := NewManager(nil)
	_ = m2.Register(bad)
	_ = m2.Register(ok)
	if err := m2.Start(context.Background()); err != nil {
		t.Errorf("Start with one good channel = %v", err)
	}
	m2.Stop()
}
