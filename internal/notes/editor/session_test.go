package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetnotes/config"
	"meetnotes/config/database"
	"meetnotes/internal/notes/autosave"
	"meetnotes/internal/notes/doctree"
	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/realtime"
	"meetnotes/internal/notes/repository"
	"meetnotes/internal/notes/service"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/compress"
)

var (
	ana   = model.Author{ID: "u-ana", Name: "Ana"}
	bruno = model.Author{ID: "u-bruno", Name: "Bruno"}

	fast = autosave.Options{
		Debounce:   40 * time.Millisecond,
		SavedReset: 60 * time.Millisecond,
		Retries:    2,
		Backoff:    5 * time.Millisecond,
	}
)

// flakyStore fails the first SaveDocument calls.
type flakyStore struct {
	repository.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) SaveDocument(ctx context.Context, id string, save model.DocumentSave) ([]model.VersionSnapshot, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, apperror.Persistence("test.SaveDocument", errors.New("connection reset"))
	}
	f.mu.Unlock()
	return f.Store.SaveDocument(ctx, id, save)
}

type brokenTransport struct{}

func (brokenTransport) OpenBroadcast(context.Context, string, realtime.BroadcastConfig) (realtime.Broadcast, error) {
	return nil, errors.New("realtime unavailable")
}

func (brokenTransport) OpenPresence(context.Context, string, string) (realtime.Presence, error) {
	return nil, errors.New("realtime unavailable")
}

func (brokenTransport) Close() error { return nil }

type fixture struct {
	repo  *repository.NotesRepository
	store repository.Store
	docs  *service.DocumentService
	bus   *realtime.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(config.DriverSQLite, filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(context.Background(), db, config.DriverSQLite))

	repo := repository.NewNotesRepository(db, config.DriverSQLite, compress.NewBrotli())
	bus := realtime.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	return &fixture{repo: repo, store: repo, docs: service.NewDocumentService(repo, nil), bus: bus}
}

func (f *fixture) open(t *testing.T, user model.Author, l Listeners, opts ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{Year: 2025, User: user, Autosave: fast, Listeners: l}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := Open(context.Background(), Deps{Documents: f.docs, Transport: f.bus}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func (f *fixture) stored(t *testing.T) json.RawMessage {
	t.Helper()
	doc, err := f.repo.GetDocumentByYear(context.Background(), 2025)
	require.NoError(t, err)
	require.NotNil(t, doc)
	return doc.State
}

func marshal(t *testing.T, n *doctree.Node) json.RawMessage {
	t.Helper()
	raw, err := n.Marshal()
	require.NoError(t, err)
	return raw
}

func paragraphs(t *testing.T, texts ...string) json.RawMessage {
	t.Helper()
	doc := doctree.NewDoc()
	for _, s := range texts {
		doc.Content = append(doc.Content, doctree.Paragraph(doctree.Text(s)))
	}
	return marshal(t, doc)
}

type counter struct {
	mu   sync.Mutex
	seen []json.RawMessage
}

func (c *counter) add(state json.RawMessage) {
	c.mu.Lock()
	c.seen = append(c.seen, state)
	c.mu.Unlock()
}

func (c *counter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func TestKickoffHeadingIsFormattedIndexedAndSaved(t *testing.T) {
	f := newFixture(t)

	var outlines [][]doctree.HeadingInfo
	var mu sync.Mutex
	s := f.open(t, ana, Listeners{Outline: func(o []doctree.HeadingInfo) {
		mu.Lock()
		outlines = append(outlines, o)
		mu.Unlock()
	}})
	assert.True(t, s.Created())
	assert.Empty(t, s.Outline())

	reformatted, err := s.ApplyLocal(context.Background(), paragraphs(t, "## Kickoff"))
	require.NoError(t, err)
	assert.True(t, reformatted)

	want := []doctree.HeadingInfo{{Text: "Kickoff", Level: 2, ID: "heading-0"}}
	assert.Equal(t, want, s.Outline())
	mu.Lock()
	require.Len(t, outlines, 1)
	assert.Equal(t, want, outlines[0])
	mu.Unlock()

	require.Eventually(t, func() bool { return s.Status() == autosave.StatusSaved }, 2*time.Second, 5*time.Millisecond)
	tree, err := doctree.Parse(f.stored(t))
	require.NoError(t, err)
	require.Len(t, tree.Content, 1)
	assert.Equal(t, doctree.TypeHeading, tree.Content[0].Type)
	assert.Equal(t, 2, tree.Content[0].Level())
	assert.Equal(t, "Kickoff", doctree.PlainText(tree.Content[0]))

	versions, err := f.docs.Versions.List(context.Background(), s.Document().ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, model.KindCreation, versions[0].Kind)
}

func TestNoSelfEchoOverManySends(t *testing.T) {
	f := newFixture(t)

	var echoA, gotB counter
	a := f.open(t, ana, Listeners{RemoteState: echoA.add})
	f.open(t, bruno, Listeners{RemoteState: gotB.add})

	const sends = 100
	for i := 0; i < sends; i++ {
		_, err := a.ApplyLocal(context.Background(), paragraphs(t, fmt.Sprintf("line %d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return gotB.len() == sends }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, echoA.len())
}

func TestEchoOfRemoteStateIsNotRebroadcastOrSaved(t *testing.T) {
	f := newFixture(t)

	var gotA, gotB counter
	a := f.open(t, ana, Listeners{RemoteState: gotA.add})
	b := f.open(t, bruno, Listeners{RemoteState: gotB.add}, func(c *Config) { c.EchoGuard = time.Second })

	state := paragraphs(t, "from ana")
	_, err := a.ApplyLocal(context.Background(), state)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gotB.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, string(state), string(b.State()))

	// Bruno's editor re-emits what it was just given.
	_, err = b.ApplyLocal(context.Background(), state)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, gotA.len())
	assert.Equal(t, autosave.StatusIdle, b.Status())
}

func TestTwoClientsInsideOneDebounceWindowPersistLastState(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, ana, Listeners{})
	b := f.open(t, bruno, Listeners{})

	_, err := a.ApplyLocal(context.Background(), paragraphs(t, "ana wrote this"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	last := paragraphs(t, "bruno wrote this last")
	_, err = b.ApplyLocal(context.Background(), last)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Status() != autosave.StatusSaving && b.Status() != autosave.StatusSaving
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, string(last), string(f.stored(t)))
	assert.JSONEq(t, string(last), string(a.State()))
}

func TestTransientFailureThenSaved(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{Store: f.repo, fails: 1}
	f.docs = service.NewDocumentService(flaky, nil)

	var mu sync.Mutex
	var statuses []autosave.Status
	var failures int
	s := f.open(t, ana, Listeners{
		Status: func(st autosave.Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		},
		Failure: func(error) { failures++ },
	})

	_, err := s.ApplyLocal(context.Background(), paragraphs(t, "retry me"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status() == autosave.StatusSaved }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []autosave.Status{autosave.StatusSaving, autosave.StatusSaved}, statuses)
	mu.Unlock()
	assert.Zero(t, failures)
	assert.JSONEq(t, string(paragraphs(t, "retry me")), string(f.stored(t)))
}

func TestRestoreAppendsRestoredVersion(t *testing.T) {
	f := newFixture(t)
	var gotB counter
	a := f.open(t, ana, Listeners{}, func(c *Config) { c.Autosave.Debounce = time.Hour })
	f.open(t, bruno, Listeners{RemoteState: gotB.add})
	ctx := context.Background()

	_, err := a.ApplyLocal(ctx, paragraphs(t, "version one"))
	require.NoError(t, err)
	require.NoError(t, a.SaveVersion(ctx, "first draft"))

	versions, err := f.docs.Versions.List(ctx, a.Document().ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	target := versions[1]
	assert.Equal(t, model.KindManual, target.Kind)
	assert.Equal(t, "first draft", target.Note)

	_, err = a.ApplyLocal(ctx, paragraphs(t, "version two"))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	restored, err := a.Restore(ctx, target.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(target.State), string(restored))
	assert.JSONEq(t, string(target.State), string(a.State()))
	assert.JSONEq(t, string(target.State), string(f.stored(t)))

	after, err := f.docs.Versions.List(ctx, a.Document().ID)
	require.NoError(t, err)
	require.Len(t, after, 4)
	last := after[3]
	assert.Equal(t, model.KindRestored, last.Kind)
	assert.Equal(t, 4, last.VersionNumber)
	assert.Equal(t, ana, last.Author)
	assert.JSONEq(t, string(target.State), string(last.State))

	untouched, err := f.docs.Versions.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, target.VersionNumber, untouched.VersionNumber)
	assert.Equal(t, target.Kind, untouched.Kind)
	assert.Equal(t, target.Note, untouched.Note)
	assert.JSONEq(t, string(target.State), string(untouched.State))

	require.Eventually(t, func() bool { return gotB.len() >= 1 }, time.Second, 5*time.Millisecond)

	_, err = a.Restore(ctx, "missing")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
	assert.JSONEq(t, string(target.State), string(a.State()))

	groups, err := a.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Today", groups[0].Label)
	assert.Equal(t, 4, groups[0].Versions[0].VersionNumber)
}

func TestFailedRestoreKeepsSessionAndStore(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, ana, Listeners{}, func(c *Config) { c.Autosave.Debounce = time.Hour })
	ctx := context.Background()

	_, err := a.ApplyLocal(ctx, paragraphs(t, "version one"))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))
	versions, err := f.docs.Versions.List(ctx, a.Document().ID)
	require.NoError(t, err)
	target := versions[len(versions)-1]

	_, err = a.ApplyLocal(ctx, paragraphs(t, "version two"))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))
	current := a.State()
	before := len(versions) + 1

	_, err = f.repo.DB.ExecContext(ctx, `CREATE TRIGGER reject_restored BEFORE INSERT ON note_versions
		WHEN NEW.kind = 'restored'
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = a.Restore(ctx, target.ID)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindPersistence))
	assert.JSONEq(t, string(current), string(a.State()))
	assert.JSONEq(t, string(current), string(f.stored(t)))

	after, err := f.docs.Versions.List(ctx, a.Document().ID)
	require.NoError(t, err)
	assert.Len(t, after, before)
}

func TestChannelFailureLeavesSessionStandalone(t *testing.T) {
	f := newFixture(t)
	s, err := Open(context.Background(), Deps{Documents: f.docs, Transport: brokenTransport{}}, Config{Year: 2025, User: ana, Autosave: fast})
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.False(t, s.Connected())
	_, err = s.ApplyLocal(context.Background(), paragraphs(t, "offline"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status() == autosave.StatusSaved }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseFlushesPendingChange(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, ana, Listeners{}, func(c *Config) { c.Autosave.Debounce = time.Hour })
	assert.True(t, s.Connected())

	_, err := s.ApplyLocal(context.Background(), paragraphs(t, "closing the tab"))
	require.NoError(t, err)
	assert.Equal(t, autosave.StatusSaving, s.Status())

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.False(t, s.Connected())
	assert.JSONEq(t, string(paragraphs(t, "closing the tab")), string(f.stored(t)))

	_, err = s.ApplyLocal(context.Background(), paragraphs(t, "too late"))
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestRosterShowsOtherUsers(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, ana, Listeners{})
	b := f.open(t, bruno, Listeners{})

	require.Eventually(t, func() bool {
		r := a.Roster()
		return len(r) == 1 && r[0].UserID == bruno.ID
	}, time.Second, 5*time.Millisecond)
	r := a.Roster()
	assert.Equal(t, "Bruno", r[0].UserName)
	assert.Equal(t, ColorFor(bruno.ID), r[0].Color)

	require.NoError(t, b.Close(context.Background()))
	require.Eventually(t, func() bool { return len(a.Roster()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestFormatAndPin(t *testing.T) {
	f := newFixture(t)
	var pinned []string
	s := f.open(t, ana, Listeners{Pin: func(text string) { pinned = append(pinned, text) }})
	ctx := context.Background()

	_, err := s.ApplyLocal(ctx, paragraphs(t, "decisão final", "próximos passos"))
	require.NoError(t, err)

	_, err = s.Format(ctx, doctree.MarkBold)
	assert.True(t, apperror.Is(err, apperror.KindValidation), "toolbar hidden")

	assert.Equal(t, doctree.ToolbarVisible, s.Select(doctree.Selection{Block: 0, Start: 0, End: 7}))
	state, err := s.Format(ctx, doctree.MarkBold)
	require.NoError(t, err)
	assert.Equal(t, doctree.ToolbarHidden, s.Toolbar())
	tree, err := doctree.Parse(state)
	require.NoError(t, err)
	assert.True(t, tree.Content[0].Content[0].HasMark(doctree.MarkBold))

	s.Select(doctree.Selection{Block: 1, Start: 0, End: 3})
	text, _, err := s.Pin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "próximos passos", text)
	assert.Equal(t, []string{"próximos passos"}, pinned)
	assert.Equal(t, []doctree.HeadingInfo{{Text: "próximos passos", Level: 2, ID: "heading-0"}}, s.Outline())

	s.Select(doctree.Selection{Block: 0, Start: 0, End: 3})
	s.Escape()
	_, _, err = s.Pin(ctx)
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestSearchInSession(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, ana, Listeners{})
	ctx := context.Background()

	_, err := s.ApplyLocal(ctx, paragraphs(t, "## Orçamento", "orçamento aprovado"))
	require.NoError(t, err)

	res := s.Search("  ")
	assert.False(t, res.Visible)
	assert.Empty(t, res.Results)
	assert.Equal(t, -1, res.Index)

	res = s.Search("orçamento")
	assert.True(t, res.Visible)
	require.Len(t, res.Results, 3)
	assert.Equal(t, doctree.SourceIndex, res.Results[0].Source)
	assert.Equal(t, "heading-0", res.Results[0].HeadingID)
	assert.Equal(t, 0, res.Index)

	assert.Equal(t, 1, s.SearchNext().Index)
	assert.Equal(t, 2, s.SearchNext().Index)
	assert.Equal(t, 0, s.SearchNext().Index)
	assert.Equal(t, 2, s.SearchPrev().Index)
}

func TestColorForIsStable(t *testing.T) {
	assert.Equal(t, ColorFor("u-ana"), ColorFor("u-ana"))
	assert.Contains(t, palette, ColorFor("anyone"))
}
