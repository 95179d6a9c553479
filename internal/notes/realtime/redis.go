package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"meetnotes/internal/notes/model"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/logger"
)

type RedisOptions struct {
	Prefix     string
	Heartbeat  time.Duration
	StaleAfter time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.Prefix == "" {
		o.Prefix = "meetnotes:"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	return o
}

// RedisTransport fans broadcasts out over redis pub/sub so sessions on
// different server instances see each other. Presence lives in one hash
// per topic, refreshed by a heartbeat.
type RedisTransport struct {
	client *redis.Client
	opts   RedisOptions
	owned  bool

	mu      sync.Mutex
	closed  bool
	handles map[string]interface{ Close() error }
}

var _ Transport = (*RedisTransport)(nil)

type envelope struct {
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// DialRedis connects to redisURL and owns the resulting client.
func DialRedis(ctx context.Context, redisURL string, opts RedisOptions) (*RedisTransport, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	t := NewRedisTransport(client, opts)
	t.owned = true
	return t, nil
}

func NewRedisTransport(client *redis.Client, opts RedisOptions) *RedisTransport {
	return &RedisTransport{
		client:  client,
		opts:    opts.withDefaults(),
		handles: make(map[string]interface{ Close() error }),
	}
}

func (t *RedisTransport) OpenBroadcast(ctx context.Context, topic string, cfg BroadcastConfig) (Broadcast, error) {
	const op = "realtime.OpenBroadcast"

	channel := t.opts.Prefix + topic
	ps, err := t.subscribe(ctx, channel)
	if err != nil {
		return nil, apperror.Channel(op, err)
	}

	h := &redisBroadcast{id: uuid.NewString(), channel: channel, cfg: cfg, t: t, ps: ps, l: newListeners()}
	if err := t.register(h.id, h); err != nil {
		_ = ps.Close()
		return nil, apperror.Channel(op, err)
	}
	h.l.setStatus(StatusSubscribed)
	go h.readLoop(ps.Channel())
	return h, nil
}

func (t *RedisTransport) OpenPresence(ctx context.Context, topic, key string) (Presence, error) {
	const op = "realtime.OpenPresence"

	if key == "" {
		key = uuid.NewString()
	}
	syncChannel := t.opts.Prefix + "presence-sync:" + topic
	ps, err := t.subscribe(ctx, syncChannel)
	if err != nil {
		return nil, apperror.Channel(op, err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &redisPresence{
		id:          uuid.NewString(),
		key:         key,
		hash:        t.opts.Prefix + "presence:" + topic,
		syncChannel: syncChannel,
		t:           t,
		ps:          ps,
		l:           newListeners(),
		ctx:         hctx,
		cancel:      cancel,
	}
	if err := t.register(h.id, h); err != nil {
		cancel()
		_ = ps.Close()
		return nil, apperror.Channel(op, err)
	}
	h.l.setStatus(StatusSubscribed)
	if err := h.refresh(ctx); err != nil {
		logger.Sugar.Warnf("Initial presence sync for %s failed: %v", topic, err)
	}
	go h.readLoop(ps.Channel())
	return h, nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handles := make([]interface{ Close() error }, 0, len(t.handles))
	for _, h := range t.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if t.owned {
		return t.client.Close()
	}
	return nil
}

func (t *RedisTransport) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := t.client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return ps, nil
}

func (t *RedisTransport) register(id string, h interface{ Close() error }) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.handles[id] = h
	return nil
}

func (t *RedisTransport) forget(id string) {
	t.mu.Lock()
	delete(t.handles, id)
	t.mu.Unlock()
}

type redisBroadcast struct {
	id      string
	channel string
	cfg     BroadcastConfig
	t       *RedisTransport
	ps      *redis.PubSub
	l       *listeners

	mu     sync.Mutex
	closed bool
}

func (h *redisBroadcast) readLoop(ch <-chan *redis.Message) {
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Sugar.Warnf("Dropping malformed broadcast on %s: %v", h.channel, err)
			continue
		}
		if env.Sender == h.id && !h.cfg.Self {
			continue
		}
		h.l.message(env.Payload)
	}
	_ = h.Close()
}

func (h *redisBroadcast) Send(ctx context.Context, payload json.RawMessage) error {
	const op = "realtime.Send"

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return apperror.Channel(op, ErrClosed)
	}

	data, err := json.Marshal(envelope{Sender: h.id, Payload: payload})
	if err != nil {
		return apperror.Channel(op, err)
	}
	if err := h.t.client.Publish(ctx, h.channel, data).Err(); err != nil {
		h.l.setStatus(StatusError)
		return apperror.Channel(op, err)
	}
	h.l.setStatus(StatusSubscribed)
	return nil
}

func (h *redisBroadcast) OnMessage(fn func(json.RawMessage)) { h.l.setOnMessage(fn) }

func (h *redisBroadcast) OnStatus(fn func(Status)) { h.l.setOnStatus(fn) }

func (h *redisBroadcast) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.t.forget(h.id)
	err := h.ps.Close()
	h.l.closeWith(StatusClosed)
	return err
}

type redisPresence struct {
	id          string
	key         string
	hash        string
	syncChannel string
	t           *RedisTransport
	ps          *redis.PubSub
	l           *listeners

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	entry    *model.PresenceEntry
	beatOnce sync.Once
}

func (h *redisPresence) Track(ctx context.Context, entry model.PresenceEntry) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return apperror.Channel("realtime.Track", ErrClosed)
	}
	if entry.LastActive.IsZero() {
		entry.LastActive = time.Now().UTC()
	}
	h.entry = &entry
	h.mu.Unlock()

	if err := h.write(ctx, entry); err != nil {
		h.l.setStatus(StatusError)
		return apperror.Channel("realtime.Track", err)
	}
	h.beatOnce.Do(func() { go h.heartbeat() })
	return nil
}

func (h *redisPresence) write(ctx context.Context, entry model.PresenceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := h.t.client.HSet(ctx, h.hash, h.key, data).Err(); err != nil {
		return err
	}
	return h.t.client.Publish(ctx, h.syncChannel, h.key).Err()
}

func (h *redisPresence) heartbeat() {
	ticker := time.NewTicker(h.t.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.entry == nil {
				h.mu.Unlock()
				continue
			}
			h.entry.LastActive = time.Now().UTC()
			entry := *h.entry
			h.mu.Unlock()
			if err := h.write(h.ctx, entry); err != nil && h.ctx.Err() == nil {
				logger.Sugar.Warnf("Presence heartbeat for %s failed: %v", h.key, err)
			}
		}
	}
}

func (h *redisPresence) readLoop(ch <-chan *redis.Message) {
	for range ch {
		if err := h.refresh(h.ctx); err != nil && h.ctx.Err() == nil {
			logger.Sugar.Warnf("Presence sync on %s failed: %v", h.hash, err)
		}
	}
	_ = h.Close()
}

// refresh reloads the roster from the hash, dropping entries whose
// heartbeat is older than the stale window.
func (h *redisPresence) refresh(ctx context.Context) error {
	raw, err := h.t.client.HGetAll(ctx, h.hash).Result()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-h.t.opts.StaleAfter)
	state := make(PresenceState, len(raw))
	var stale []string
	for key, value := range raw {
		var e model.PresenceEntry
		if err := json.Unmarshal([]byte(value), &e); err != nil || e.LastActive.Before(cutoff) {
			stale = append(stale, key)
			continue
		}
		state[key] = []model.PresenceEntry{e}
	}
	if len(stale) > 0 {
		_ = h.t.client.HDel(ctx, h.hash, stale...).Err()
	}
	h.l.sync(state)
	return nil
}

func (h *redisPresence) OnSync(fn func(PresenceState)) { h.l.setOnSync(fn) }

func (h *redisPresence) OnStatus(fn func(Status)) { h.l.setOnStatus(fn) }

func (h *redisPresence) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.t.forget(h.id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.t.client.HDel(ctx, h.hash, h.key).Err(); err == nil {
		_ = h.t.client.Publish(ctx, h.syncChannel, h.key).Err()
	}
	err := h.ps.Close()
	h.l.closeWith(StatusClosed)
	return err
}
