package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager runs several channels at once, merging their incoming messages
// into a single stream and routing replies to the right transport.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	// listenWg tracks the listener goroutines for a clean shutdown.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every registered channel and starts forwarding messages.
// A channel that fails to connect is logged and skipped; Start fails only
// when none connects.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return fmt.Errorf("no channels registered")
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listenChannel(m.ctx, c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	return nil
}

// Stop disconnects every channel and waits for the listeners to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("channel disconnect failed", "channel", name, "error", err)
		}
	}
	m.logger.Info("channels stopped")
}

// Messages returns the merged stream of incoming messages.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send sends msg through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	ch, ok := m.Channel(channelName)
	if !ok {
		return fmt.Errorf("channel %q not found", channelName)
	}
	if !ch.IsConnected() {
		return fmt.Errorf("channel %q: %w", channelName, ErrChannelDisconnected)
	}
	return ch.Send(ctx, to, msg)
}

// SendTyping shows the typing indicator when the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channelName, to string) error {
	ch, ok := m.Channel(channelName)
	if !ok {
		return fmt.Errorf("channel %q not found", channelName)
	}
	if pc, ok := ch.(PresenceChannel); ok {
		return pc.SendTyping(ctx, to)
	}
	return nil
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

// listenChannel forwards messages from one channel to the merged stream.
func (m *Manager) listenChannel(ctx context.Context, ch Channel) {
	in := ch.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
