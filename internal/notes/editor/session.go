// Package editor hosts the server-side session behind one open notes
// editor: the document tree, its realtime channels, autosave and search.
package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetnotes/internal/notes/autosave"
	"meetnotes/internal/notes/doctree"
	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/realtime"
	"meetnotes/internal/notes/service"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/logger"
)

const DefaultEchoGuard = 150 * time.Millisecond

type Deps struct {
	Documents *service.DocumentService
	// Transport is optional; without it the session runs standalone.
	Transport realtime.Transport
}

// Listeners are called outside the session lock. Any of them may be nil.
type Listeners struct {
	RemoteState  func(state json.RawMessage)
	Outline      func(outline []doctree.HeadingInfo)
	Roster       func(roster []model.PresenceEntry)
	Status       func(status autosave.Status)
	Connectivity func(connected bool)
	Failure      func(err error)
	Pin          func(text string)
}

type Config struct {
	Year      int
	User      model.Author
	EchoGuard time.Duration
	Autosave  autosave.Options
	Location  *time.Location
	Listeners Listeners
}

type Session struct {
	deps Deps
	cfg  Config
	l    Listeners
	now  func() time.Time

	mu        sync.Mutex
	doc       model.Document
	created   bool
	tree      *doctree.Node
	state     json.RawMessage
	outline   []doctree.HeadingInfo
	toolbar   *doctree.Toolbar
	search    doctree.SearchCursor
	roster    []model.PresenceEntry
	connected bool
	closed    bool

	guard       *echoGuard
	pipeline    *autosave.Pipeline
	broadcast   realtime.Broadcast
	presence    realtime.Presence
	presenceKey string
}

// Open loads or creates the year's document and joins its channels. A
// channel that cannot be opened leaves the session standalone.
func Open(ctx context.Context, deps Deps, cfg Config) (*Session, error) {
	if deps.Documents == nil {
		return nil, errors.New("editor: documents service is required")
	}
	if cfg.EchoGuard <= 0 {
		cfg.EchoGuard = DefaultEchoGuard
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	doc, created, err := deps.Documents.LoadOrCreate(ctx, cfg.Year, cfg.User.ID)
	if err != nil {
		return nil, err
	}
	tree, err := doctree.Parse(doc.State)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "editor.Open", err)
	}
	doctree.Autoformat(tree)
	state, err := tree.Marshal()
	if err != nil {
		return nil, err
	}

	s := &Session{
		deps:        deps,
		cfg:         cfg,
		l:           cfg.Listeners,
		now:         time.Now,
		doc:         *doc,
		created:     created,
		tree:        tree,
		state:       state,
		outline:     doctree.Outline(tree),
		toolbar:     doctree.NewToolbar(),
		guard:       newEchoGuard(cfg.EchoGuard),
		presenceKey: uuid.NewString(),
	}
	s.pipeline = autosave.New(s.persist, cfg.Autosave)
	s.pipeline.OnStatus(func(st autosave.Status) {
		if s.l.Status != nil {
			s.l.Status(st)
		}
	})
	s.pipeline.OnFailure(s.fail)

	s.join(ctx)
	return s, nil
}

func (s *Session) join(ctx context.Context) {
	if s.deps.Transport == nil {
		return
	}

	bc, err := s.deps.Transport.OpenBroadcast(ctx, realtime.NotesTopic(s.cfg.Year), realtime.BroadcastConfig{Self: false})
	if err != nil {
		logger.Sugar.Warnf("Notes %d running standalone: %v", s.cfg.Year, apperror.Channel("editor.join", err))
		return
	}
	s.mu.Lock()
	s.broadcast = bc
	s.connected = true
	s.mu.Unlock()
	bc.OnMessage(s.receive)
	bc.OnStatus(s.channelStatus)

	pr, err := s.deps.Transport.OpenPresence(ctx, realtime.PresenceTopic(s.cfg.Year), s.presenceKey)
	if err != nil {
		logger.Sugar.Warnf("Presence for notes %d unavailable: %v", s.cfg.Year, err)
		return
	}
	s.mu.Lock()
	s.presence = pr
	s.mu.Unlock()
	pr.OnSync(s.sync)
	entry := model.PresenceEntry{
		UserID:     s.cfg.User.ID,
		UserName:   s.cfg.User.Name,
		Color:      ColorFor(s.cfg.User.ID),
		LastActive: s.now().UTC(),
	}
	if err := pr.Track(ctx, entry); err != nil {
		logger.Sugar.Warnf("Presence track for %s failed: %v", s.cfg.User.ID, err)
	}
}

// receive replaces the whole state with a remote broadcast.
func (s *Session) receive(payload json.RawMessage) {
	tree, err := doctree.Parse(payload)
	if err != nil {
		logger.Sugar.Warnf("Dropping remote notes state for %d: %v", s.cfg.Year, err)
		return
	}
	state, err := tree.Marshal()
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.guard.arm(state, s.now())
	outline := s.replaceLocked(tree, state)
	s.mu.Unlock()

	// Last broadcast wins, including over our own unsaved change.
	s.pipeline.Supersede(state)

	if s.l.RemoteState != nil {
		s.l.RemoteState(state)
	}
	if s.l.Outline != nil {
		s.l.Outline(outline)
	}
}

func (s *Session) channelStatus(st realtime.Status) {
	connected := st == realtime.StatusSubscribed
	s.mu.Lock()
	if s.closed || s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()
	if s.l.Connectivity != nil {
		s.l.Connectivity(connected)
	}
}

func (s *Session) sync(state realtime.PresenceState) {
	roster := realtime.Roster(state, s.presenceKey)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.roster = roster
	s.mu.Unlock()
	if s.l.Roster != nil {
		s.l.Roster(roster)
	}
}

func (s *Session) fail(err error) {
	logger.Sugar.Errorf("Saving notes %d failed: %v", s.cfg.Year, err)
	if s.l.Failure != nil {
		s.l.Failure(err)
	}
}

func (s *Session) persist(ctx context.Context, state json.RawMessage, req autosave.Request) error {
	_, err := s.deps.Documents.Save(ctx, service.SaveRequest{
		DocumentID: s.doc.ID,
		State:      state,
		Author:     s.cfg.User,
		Kind:       req.Kind,
		Note:       req.Note,
	})
	return err
}

// replaceLocked installs a new tree and returns the recomputed outline.
func (s *Session) replaceLocked(tree *doctree.Node, state json.RawMessage) []doctree.HeadingInfo {
	s.tree = tree
	s.state = state
	s.outline = doctree.Outline(tree)
	if s.search.Visible() {
		q := s.search.Query()
		s.search.Reset(q, doctree.Search(q, s.outline, s.tree))
	}
	return s.outline
}

// commitLocked records a local change and returns the side effects to run
// once the lock is released. Changes equal to the current state, or to a
// remote state still inside the echo window, have none.
func (s *Session) commitLocked(tree *doctree.Node, state json.RawMessage) func(context.Context) {
	if s.guard.matches(state, s.now()) || bytes.Equal(state, s.state) {
		s.tree = tree
		return func(context.Context) {}
	}
	outline := s.replaceLocked(tree, state)
	bc := s.broadcast
	return func(ctx context.Context) {
		if s.l.Outline != nil {
			s.l.Outline(outline)
		}
		if bc != nil {
			if err := bc.Send(ctx, state); err != nil {
				logger.Sugar.Warnf("Broadcast for notes %d failed: %v", s.cfg.Year, err)
				s.channelStatus(realtime.StatusError)
			}
		}
		s.pipeline.Changed(state)
	}
}

// mutate applies fn to a copy of the tree and commits the result.
func (s *Session) mutate(ctx context.Context, op string, fn func(tree *doctree.Node) error) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperror.Validation(op, "session is closed")
	}
	tree := s.tree.Clone()
	if err := fn(tree); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	state, err := tree.Marshal()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	effects := s.commitLocked(tree, state)
	s.mu.Unlock()

	effects(ctx)
	return state, nil
}

// ApplyLocal takes the editor's full state after a local edit. It reports
// whether autoformatting rewrote it, in which case State differs from raw.
func (s *Session) ApplyLocal(ctx context.Context, raw json.RawMessage) (bool, error) {
	const op = "editor.ApplyLocal"

	tree, err := doctree.Parse(raw)
	if err != nil {
		return false, apperror.Validation(op, err.Error())
	}
	reformatted := doctree.Autoformat(tree)
	_, err = s.mutate(ctx, op, func(current *doctree.Node) error {
		*current = *tree
		return nil
	})
	return reformatted, err
}

func (s *Session) Select(sel doctree.Selection) doctree.ToolbarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolbar.Select(sel)
}

func (s *Session) Escape() {
	s.mu.Lock()
	s.toolbar.Escape()
	s.mu.Unlock()
}

func (s *Session) Toolbar() doctree.ToolbarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolbar.State()
}

// Format toggles mark over the toolbar selection and returns the new state.
func (s *Session) Format(ctx context.Context, mark string) (json.RawMessage, error) {
	return s.mutate(ctx, "editor.Format", func(tree *doctree.Node) error {
		return s.toolbar.Format(tree, mark)
	})
}

// Pin promotes the selected block to a heading and returns its text.
func (s *Session) Pin(ctx context.Context) (string, json.RawMessage, error) {
	var text string
	state, err := s.mutate(ctx, "editor.Pin", func(tree *doctree.Node) error {
		var err error
		text, err = s.toolbar.Pin(tree)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	if s.l.Pin != nil {
		s.l.Pin(text)
	}
	return text, state, nil
}

func (s *Session) searchResponseLocked() model.SearchResponse {
	results := s.search.Results()
	if results == nil {
		results = []doctree.SearchResult{}
	}
	return model.SearchResponse{
		Query:   s.search.Query(),
		Visible: s.search.Visible(),
		Results: results,
		Index:   s.search.Index(),
	}
}

func (s *Session) Search(query string) model.SearchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search.Reset(query, doctree.Search(query, s.outline, s.tree))
	return s.searchResponseLocked()
}

func (s *Session) SearchNext() model.SearchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search.Next()
	return s.searchResponseLocked()
}

func (s *Session) SearchPrev() model.SearchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search.Prev()
	return s.searchResponseLocked()
}

// Save persists the current state now as a manual version.
func (s *Session) Save(ctx context.Context) error {
	return s.SaveVersion(ctx, "")
}

func (s *Session) SaveVersion(ctx context.Context, note string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperror.Validation("editor.SaveVersion", "session is closed")
	}
	state := s.state
	s.mu.Unlock()
	return s.pipeline.SaveNow(ctx, state, autosave.Request{Kind: model.KindManual, Note: note})
}

// Restore makes a snapshot's state current through the save path and
// shares it with the other editors. The session state only changes once
// the save succeeded.
func (s *Session) Restore(ctx context.Context, versionID string) (json.RawMessage, error) {
	const op = "editor.Restore"

	v, err := s.deps.Documents.RestoreSource(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.DocumentID != s.doc.ID {
		return nil, apperror.Validation(op, "version belongs to another document")
	}
	tree, err := doctree.Parse(v.State)
	if err != nil {
		return nil, apperror.Validation(op, err.Error())
	}
	state, err := tree.Marshal()
	if err != nil {
		return nil, err
	}

	if err := s.pipeline.SaveNow(ctx, state, autosave.Request{Kind: model.KindRestored}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return state, nil
	}
	outline := s.replaceLocked(tree, state)
	bc := s.broadcast
	s.mu.Unlock()

	if s.l.Outline != nil {
		s.l.Outline(outline)
	}
	if bc != nil {
		if err := bc.Send(ctx, state); err != nil {
			logger.Sugar.Warnf("Broadcast of restored notes %d failed: %v", s.cfg.Year, err)
		}
	}
	return state, nil
}

// Versions returns the document history grouped by day.
func (s *Session) Versions(ctx context.Context) ([]model.VersionGroup, error) {
	versions, err := s.deps.Documents.Versions.List(ctx, s.doc.ID)
	if err != nil {
		return nil, err
	}
	return service.Group(versions, s.now(), s.cfg.Location), nil
}

func (s *Session) Document() model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Created reports whether opening this session created the document.
func (s *Session) Created() bool { return s.created }

func (s *Session) State() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.state...)
}

func (s *Session) Outline() []doctree.HeadingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]doctree.HeadingInfo{}, s.outline...)
}

func (s *Session) Roster() []model.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PresenceEntry{}, s.roster...)
}

func (s *Session) Status() autosave.Status { return s.pipeline.Status() }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close writes any pending change and leaves the channels. Calling it
// again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	bc, pr := s.broadcast, s.presence
	s.mu.Unlock()

	s.pipeline.Close()
	err := s.pipeline.Flush(ctx)

	if pr != nil {
		_ = pr.Close()
	}
	if bc != nil {
		_ = bc.Close()
	}
	return err
}
