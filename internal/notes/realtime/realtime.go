// Package realtime carries whole-state broadcasts and presence rosters
// between editor sessions of the same year.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"meetnotes/internal/notes/model"
)

type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "CHANNEL_ERROR"
)

var ErrClosed = errors.New("realtime: channel closed")

// BroadcastConfig configures one broadcast handle. With Self false the
// handle never receives its own sends.
type BroadcastConfig struct {
	Self bool
}

type Broadcast interface {
	Send(ctx context.Context, payload json.RawMessage) error
	// OnMessage replaces the receive listener. Deliveries to a handle are
	// serialized in send order.
	OnMessage(fn func(json.RawMessage))
	// OnStatus replaces the status listener and replays the current status.
	OnStatus(fn func(Status))
	Close() error
}

// PresenceState maps presence keys to their tracked entries.
type PresenceState map[string][]model.PresenceEntry

type Presence interface {
	Track(ctx context.Context, entry model.PresenceEntry) error
	// OnSync replaces the roster listener and replays the last roster.
	OnSync(fn func(PresenceState))
	OnStatus(fn func(Status))
	Close() error
}

type Transport interface {
	OpenBroadcast(ctx context.Context, topic string, cfg BroadcastConfig) (Broadcast, error)
	OpenPresence(ctx context.Context, topic, key string) (Presence, error)
	Close() error
}

func NotesTopic(year int) string { return fmt.Sprintf("notes:%d", year) }

func PresenceTopic(year int) string { return fmt.Sprintf("presence:%d", year) }

// Roster flattens a presence state into one entry per user, leaving out
// selfKey. The most recently active entry of a user wins.
func Roster(state PresenceState, selfKey string) []model.PresenceEntry {
	var all []model.PresenceEntry
	for key, entries := range state {
		if key == selfKey {
			continue
		}
		all = append(all, entries...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].LastActive.After(all[j].LastActive) })

	seen := mapset.NewThreadUnsafeSet[string]()
	roster := make([]model.PresenceEntry, 0, len(all))
	for _, e := range all {
		if e.UserID == "" || !seen.Add(e.UserID) {
			continue
		}
		roster = append(roster, e)
	}
	sort.SliceStable(roster, func(i, j int) bool {
		if roster[i].UserName != roster[j].UserName {
			return roster[i].UserName < roster[j].UserName
		}
		return roster[i].UserID < roster[j].UserID
	})
	return roster
}

func cloneState(state PresenceState) PresenceState {
	out := make(PresenceState, len(state))
	for k, v := range state {
		out[k] = append([]model.PresenceEntry(nil), v...)
	}
	return out
}

// mailbox runs posted callbacks one at a time in post order on its own
// goroutine. Callbacks still queued at close are dropped.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
	return true
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

// listeners holds the callbacks shared by every handle implementation.
type listeners struct {
	mu        sync.Mutex
	box       *mailbox
	status    Status
	onMessage func(json.RawMessage)
	onStatus  func(Status)
	onSync    func(PresenceState)
	roster    PresenceState
}

func newListeners() *listeners {
	return &listeners{box: newMailbox()}
}

func (l *listeners) setOnMessage(fn func(json.RawMessage)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

func (l *listeners) setOnStatus(fn func(Status)) {
	l.mu.Lock()
	l.onStatus = fn
	current := l.status
	l.mu.Unlock()
	if fn != nil && current != "" {
		l.box.post(func() { fn(current) })
	}
}

func (l *listeners) setOnSync(fn func(PresenceState)) {
	l.mu.Lock()
	l.onSync = fn
	current := l.roster
	l.mu.Unlock()
	if fn != nil && current != nil {
		l.box.post(func() { fn(cloneState(current)) })
	}
}

func (l *listeners) message(payload json.RawMessage) {
	l.box.post(func() {
		l.mu.Lock()
		fn := l.onMessage
		l.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})
}

func (l *listeners) setStatus(s Status) {
	l.mu.Lock()
	if l.status == s {
		l.mu.Unlock()
		return
	}
	l.status = s
	l.mu.Unlock()
	l.box.post(func() {
		l.mu.Lock()
		fn := l.onStatus
		l.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
}

func (l *listeners) sync(state PresenceState) {
	l.mu.Lock()
	l.roster = state
	l.mu.Unlock()
	l.box.post(func() {
		l.mu.Lock()
		fn := l.onSync
		l.mu.Unlock()
		if fn != nil {
			fn(cloneState(state))
		}
	})
}

// closeWith reports the final status and then stops delivery.
func (l *listeners) closeWith(s Status) {
	l.mu.Lock()
	fn := l.onStatus
	changed := l.status != s
	l.status = s
	l.mu.Unlock()
	if changed && fn != nil {
		done := make(chan struct{})
		if l.box.post(func() { fn(s); close(done) }) {
			go func() { <-done; l.box.close() }()
			return
		}
	}
	l.box.close()
}
