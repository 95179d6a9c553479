package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"meetnotes/internal/notes/model"
	"meetnotes/pkg/apperror"
)

// MemoryBus is the in-process Transport used by a single server instance.
type MemoryBus struct {
	mu       sync.Mutex
	closed   bool
	topics   map[string]map[string]*memBroadcast
	presence map[string]*memPresenceTopic
}

type memPresenceTopic struct {
	state   PresenceState
	handles map[string]*memPresence
}

var _ Transport = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics:   make(map[string]map[string]*memBroadcast),
		presence: make(map[string]*memPresenceTopic),
	}
}

func (b *MemoryBus) OpenBroadcast(_ context.Context, topic string, cfg BroadcastConfig) (Broadcast, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperror.Channel("realtime.OpenBroadcast", ErrClosed)
	}

	h := &memBroadcast{id: uuid.NewString(), topic: topic, cfg: cfg, bus: b, l: newListeners()}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]*memBroadcast)
		b.topics[topic] = subs
	}
	subs[h.id] = h
	h.l.setStatus(StatusSubscribed)
	return h, nil
}

func (b *MemoryBus) OpenPresence(_ context.Context, topic, key string) (Presence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperror.Channel("realtime.OpenPresence", ErrClosed)
	}
	if key == "" {
		key = uuid.NewString()
	}

	t := b.presence[topic]
	if t == nil {
		t = &memPresenceTopic{state: make(PresenceState), handles: make(map[string]*memPresence)}
		b.presence[topic] = t
	}
	h := &memPresence{id: uuid.NewString(), key: key, topic: topic, bus: b, l: newListeners()}
	t.handles[h.id] = h
	h.l.setStatus(StatusSubscribed)
	h.l.sync(cloneState(t.state))
	return h, nil
}

// Close closes every open handle.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []interface{ Close() error }
	for _, subs := range b.topics {
		for _, h := range subs {
			all = append(all, h)
		}
	}
	for _, t := range b.presence {
		for _, h := range t.handles {
			all = append(all, h)
		}
	}
	b.mu.Unlock()

	for _, h := range all {
		_ = h.Close()
	}
	return nil
}

func (b *MemoryBus) publish(topic, sender string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, h := range b.topics[topic] {
		if id == sender && !h.cfg.Self {
			continue
		}
		h.l.message(append(json.RawMessage(nil), payload...))
	}
}

func (b *MemoryBus) leave(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *MemoryBus) track(h *memPresence, entry model.PresenceEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.presence[h.topic]
	if t == nil {
		return
	}
	t.state[h.key] = []model.PresenceEntry{entry}
	b.syncLocked(t)
}

func (b *MemoryBus) untrack(h *memPresence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.presence[h.topic]
	if t == nil {
		return
	}
	delete(t.handles, h.id)
	delete(t.state, h.key)
	if len(t.handles) == 0 {
		delete(b.presence, h.topic)
		return
	}
	b.syncLocked(t)
}

func (b *MemoryBus) syncLocked(t *memPresenceTopic) {
	for _, h := range t.handles {
		h.l.sync(cloneState(t.state))
	}
}

type memBroadcast struct {
	id    string
	topic string
	cfg   BroadcastConfig
	bus   *MemoryBus
	l     *listeners

	mu     sync.Mutex
	closed bool
}

func (h *memBroadcast) Send(_ context.Context, payload json.RawMessage) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return apperror.Channel("realtime.Send", ErrClosed)
	}
	h.bus.publish(h.topic, h.id, payload)
	return nil
}

func (h *memBroadcast) OnMessage(fn func(json.RawMessage)) { h.l.setOnMessage(fn) }

func (h *memBroadcast) OnStatus(fn func(Status)) { h.l.setOnStatus(fn) }

func (h *memBroadcast) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.bus.leave(h.topic, h.id)
	h.l.closeWith(StatusClosed)
	return nil
}

type memPresence struct {
	id    string
	key   string
	topic string
	bus   *MemoryBus
	l     *listeners

	mu     sync.Mutex
	closed bool
}

func (h *memPresence) Track(_ context.Context, entry model.PresenceEntry) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return apperror.Channel("realtime.Track", ErrClosed)
	}
	h.bus.track(h, entry)
	return nil
}

func (h *memPresence) OnSync(fn func(PresenceState)) { h.l.setOnSync(fn) }

func (h *memPresence) OnStatus(fn func(Status)) { h.l.setOnStatus(fn) }

func (h *memPresence) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.bus.untrack(h)
	h.l.closeWith(StatusClosed)
	return nil
}
