// Package autosave debounces document changes into persisted saves with a
// bounded retry policy and at most one persist in flight.
package autosave

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meetnotes/internal/notes/model"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/logger"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// Request carries the snapshot intent of a save down to the SaveFunc.
type Request struct {
	Kind model.VersionKind
	Note string
}

type SaveFunc func(ctx context.Context, state json.RawMessage, req Request) error

type Options struct {
	Debounce   time.Duration
	SavedReset time.Duration
	// Retries is the number of extra attempts after the first failure.
	Retries int
	// Backoff is the first retry delay; each further retry doubles it.
	Backoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		Debounce:   2 * time.Second,
		SavedReset: 3 * time.Second,
		Retries:    2,
		Backoff:    time.Second,
	}
}

type Pipeline struct {
	mu   sync.Mutex
	opts Options
	save SaveFunc

	status     Status
	pending    json.RawMessage
	hasPending bool
	gen        uint64
	inFlight   bool
	closed     bool

	debounce *time.Timer
	reset    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onStatus  func(Status)
	onFailure func(error)
}

func New(save SaveFunc, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.SavedReset <= 0 {
		opts.SavedReset = def.SavedReset
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		opts:   opts,
		save:   save,
		status: StatusIdle,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pipeline) OnStatus(fn func(Status)) {
	p.mu.Lock()
	p.onStatus = fn
	p.mu.Unlock()
}

func (p *Pipeline) OnFailure(fn func(error)) {
	p.mu.Lock()
	p.onFailure = fn
	p.mu.Unlock()
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Pending reports whether a change has not been persisted yet.
func (p *Pipeline) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPending
}

// Changed records state as the latest change and restarts the debounce.
func (p *Pipeline) Changed(state json.RawMessage) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.recordLocked(state)
	p.armDebounceLocked()
	notify := p.setStatusLocked(StatusSaving)
	p.mu.Unlock()
	notify()
}

// Supersede swaps the pending change for state without touching the
// debounce, so the next save writes state. It reports false when nothing
// is pending.
func (p *Pipeline) Supersede(state json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.hasPending {
		return false
	}
	p.recordLocked(state)
	if !p.inFlight && p.debounce == nil {
		p.armDebounceLocked()
	}
	return true
}

// SaveNow persists state immediately with the retry policy, cancelling any
// pending debounce. It fails with a Busy error while another persist runs.
func (p *Pipeline) SaveNow(ctx context.Context, state json.RawMessage, req Request) error {
	const op = "autosave.SaveNow"

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperror.Validation(op, "save pipeline is closed")
	}
	if p.inFlight {
		p.mu.Unlock()
		return apperror.Busy(op, "a save is already in progress")
	}
	p.stopDebounceLocked()
	gen := p.recordLocked(state)
	p.inFlight = true
	notify := p.setStatusLocked(StatusSaving)
	p.mu.Unlock()
	notify()

	err := p.persist(ctx, state, req, p.opts.Retries)
	p.finish(gen, err)
	return err
}

// Flush makes one synchronous attempt at the pending change, if there is
// one and nothing else is in flight.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if !p.hasPending || p.inFlight {
		p.mu.Unlock()
		return nil
	}
	p.stopDebounceLocked()
	state, gen := p.pending, p.gen
	p.inFlight = true
	p.mu.Unlock()

	err := p.persist(ctx, state, Request{Kind: model.KindAutosave}, 0)
	p.finish(gen, err)
	return err
}

// Close stops the timers and waits for a debounced save in progress,
// retries included. A change still pending afterwards is not saved unless
// the caller follows up with Flush.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopDebounceLocked()
	if p.reset != nil {
		p.reset.Stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

func (p *Pipeline) recordLocked(state json.RawMessage) uint64 {
	p.pending = append(json.RawMessage(nil), state...)
	p.hasPending = true
	p.gen++
	if p.reset != nil {
		p.reset.Stop()
	}
	return p.gen
}

func (p *Pipeline) armDebounceLocked() {
	p.stopDebounceLocked()
	p.debounce = time.AfterFunc(p.opts.Debounce, p.fire)
}

func (p *Pipeline) stopDebounceLocked() {
	if p.debounce != nil {
		p.debounce.Stop()
		p.debounce = nil
	}
}

func (p *Pipeline) fire() {
	p.mu.Lock()
	if p.closed || p.inFlight || !p.hasPending {
		// An in-flight save re-arms the debounce when it finishes.
		p.mu.Unlock()
		return
	}
	state, gen := p.pending, p.gen
	p.inFlight = true
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	err := p.persist(p.ctx, state, Request{Kind: model.KindAutosave}, p.opts.Retries)
	p.finish(gen, err)
}

func (p *Pipeline) persist(ctx context.Context, state json.RawMessage, req Request, retries int) error {
	delay := p.opts.Backoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.save(ctx, state, req); err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		logger.Sugar.Warnf("Save attempt %d failed, retrying in %s: %v", attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (p *Pipeline) finish(gen uint64, err error) {
	p.mu.Lock()
	p.inFlight = false
	newer := p.gen != gen
	var notify func()
	var failure func(error)

	switch {
	case newer && !p.closed:
		// A change arrived while saving; it gets its own debounce.
		p.armDebounceLocked()
		notify = p.setStatusLocked(StatusSaving)
		if err != nil {
			failure = p.onFailure
		}
	case err != nil:
		notify = p.setStatusLocked(StatusError)
		failure = p.onFailure
	default:
		if !newer {
			p.pending = nil
			p.hasPending = false
		}
		notify = p.setStatusLocked(StatusSaved)
		if !p.closed {
			p.reset = time.AfterFunc(p.opts.SavedReset, p.resetIdle)
		}
	}
	p.mu.Unlock()

	notify()
	if failure != nil {
		failure(err)
	}
}

func (p *Pipeline) resetIdle() {
	p.mu.Lock()
	if p.status != StatusSaved || p.hasPending {
		p.mu.Unlock()
		return
	}
	notify := p.setStatusLocked(StatusIdle)
	p.mu.Unlock()
	notify()
}

// setStatusLocked updates the status and returns the listener call to make
// once the lock is released.
func (p *Pipeline) setStatusLocked(s Status) func() {
	if p.status == s {
		return func() {}
	}
	p.status = s
	fn := p.onStatus
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}
