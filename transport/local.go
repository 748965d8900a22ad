package transport

import (
	"context"
	"fmt"
	"sync"
)

// LocalTransport is an in-memory Transport, used both as the reference
// implementation (same-window delivery needs no network at all) and as
// the backbone the grpcserver adapter publishes into. Unlike the core
// packages, LocalTransport is genuinely multi-goroutine-facing (inbound
// delivery can arrive from network-reading goroutines), so it carries a
// mutex, matching
// coreengine/grpc/commbus_server.go's subMu-guarded subscriber map.
type LocalTransport struct {
	logger Logger

	mu          sync.RWMutex
	channels    map[ChannelId]chan []byte
	subscribers map[int]func(Inbound)
	nextSubID   int
	nextChanID  int
}

// NewLocalTransport returns an empty LocalTransport. A nil logger is
// replaced with NoopLogger.
func NewLocalTransport(logger Logger) *LocalTransport {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &LocalTransport{
		logger:      logger,
		channels:    make(map[ChannelId]chan []byte),
		subscribers: make(map[int]func(Inbound)),
	}
}

const outboundBuffer = 64

func (t *LocalTransport) Connect() ChannelId {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextChanID++
	id := ChannelId(fmt.Sprintf("chan-%d", t.nextChanID))
	t.channels[id] = make(chan []byte, outboundBuffer)
	return id
}

func (t *LocalTransport) Close(id ChannelId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		return nil
	}
	delete(t.channels, id)
	close(ch)
	return nil
}

func (t *LocalTransport) Publish(_ context.Context, channelIDs []ChannelId, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range channelIDs {
		ch, ok := t.channels[id]
		if !ok {
			t.logger.Warn("transport: publish to unknown channel", "channelId", id)
			continue
		}
		select {
		case ch <- payload:
		default:
			t.logger.Warn("transport: outbound buffer full, dropping message", "channelId", id)
		}
	}
	return nil
}

func (t *LocalTransport) Subscribe(fn func(Inbound)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextSubID++
	id := t.nextSubID
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// Inject simulates a proxy sending payload on channel id, notifying every
// subscriber. Used by the reference harness and tests; a real network
// back-end calls the equivalent on every frame read from the wire.
func (t *LocalTransport) Inject(id ChannelId, payload []byte) {
	t.mu.RLock()
	subs := make([]func(Inbound), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	t.mu.RUnlock()

	msg := Inbound{ChannelId: id, Payload: payload}
	for _, fn := range subs {
		fn(msg)
	}
}

// Outbound returns the channel id's outbound queue, for a test harness
// (or a real network adapter) to drain and write to the wire.
func (t *LocalTransport) Outbound(id ChannelId) (<-chan []byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[id]
	return ch, ok
}
