package editor

import (
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"
)

// echoGuard remembers the last remotely received state for a short window
// so the editor re-emitting it is not broadcast or saved again.
type echoGuard struct {
	mu     sync.Mutex
	window time.Duration
	sum    [sha256.Size]byte
	until  time.Time
	armed  bool
}

func newEchoGuard(window time.Duration) *echoGuard {
	return &echoGuard{window: window}
}

func (g *echoGuard) arm(state json.RawMessage, now time.Time) {
	g.mu.Lock()
	g.sum = sha256.Sum256(state)
	g.until = now.Add(g.window)
	g.armed = true
	g.mu.Unlock()
}

// matches reports whether state is the armed state and the window is open.
func (g *echoGuard) matches(state json.RawMessage, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed || now.After(g.until) {
		g.armed = false
		return false
	}
	return sha256.Sum256(state) == g.sum
}
