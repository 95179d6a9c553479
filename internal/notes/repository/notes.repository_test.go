package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetnotes/config"
	"meetnotes/config/database"
	"meetnotes/internal/notes/model"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/compress"
)

func newMockRepo(t *testing.T) (*NotesRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewNotesRepository(db, config.DriverPostgres, compress.NewNop()), mock
}

func newSQLiteRepo(t *testing.T, codec compress.Compress) *NotesRepository {
	t.Helper()
	db, err := database.Open(config.DriverSQLite, filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db, config.DriverSQLite))
	return NewNotesRepository(db, config.DriverSQLite, codec)
}

func TestGetDocumentByYear_Missing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM note_documents WHERE year = \\$1").
		WithArgs(2031).
		WillReturnError(sql.ErrNoRows)

	doc, err := repo.GetDocumentByYear(context.Background(), 2031)
	assert.NoError(t, err)
	assert.Nil(t, doc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentByYear_Found(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "year", "state", "created_by", "created_at", "updated_at", "updated_by"}).
		AddRow("doc-1", 2025, []byte(`{"type":"doc"}`), "u1", now, now, nil)
	mock.ExpectQuery("SELECT (.+) FROM note_documents WHERE year = \\$1").
		WithArgs(2025).
		WillReturnRows(rows)

	doc, err := repo.GetDocumentByYear(context.Background(), 2025)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.JSONEq(t, `{"type":"doc"}`, string(doc.State))
	assert.Empty(t, doc.UpdatedBy)
}

func TestGetDocumentByYear_DriverError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM note_documents").
		WillReturnError(sql.ErrConnDone)

	_, err := repo.GetDocumentByYear(context.Background(), 2025)
	assert.True(t, apperror.Is(err, apperror.KindPersistence))
}

func TestSaveDocument_NoRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE note_documents SET state = \\$1, updated_at = \\$2, updated_by = \\$3 WHERE id = \\$4").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.SaveDocument(context.Background(), "gone", model.DocumentSave{
		Update: model.DocumentUpdate{
			State:     json.RawMessage(`{"type":"doc"}`),
			UpdatedAt: time.Now(),
			UpdatedBy: "u1",
		},
	})
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDocument_SnapshotFailureRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	state := json.RawMessage(`{"type":"doc"}`)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE note_documents").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM note_versions WHERE document_id = \\$1").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT id FROM note_documents WHERE id = \\$1 FOR UPDATE").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version_number\\), 0\\) \\+ 1 FROM note_versions").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec("INSERT INTO note_versions").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := repo.SaveDocument(context.Background(), "doc-1", model.DocumentSave{
		Update:   model.DocumentUpdate{State: state, UpdatedAt: time.Now(), UpdatedBy: "u1"},
		Creation: &model.NewVersion{State: state, Kind: model.KindCreation},
		Snapshot: &model.NewVersion{State: state, Kind: model.KindRestored},
	})
	assert.True(t, apperror.Is(err, apperror.KindPersistence))
	assert.NoError(t, mock.ExpectationsWereMet(), "the update must not be committed without its snapshot")
}

func TestCreateVersion_NumbersAboveMax(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM note_documents WHERE id = \\$1 FOR UPDATE").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version_number\\), 0\\) \\+ 1 FROM note_versions").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(8))
	mock.ExpectExec("INSERT INTO note_versions").
		WithArgs(sqlmock.AnyArg(), "doc-1", 8, []byte(`{"type":"doc"}`), "none", "manual", "u1", "Ana", "checkpoint", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	v, err := repo.CreateVersion(context.Background(), model.NewVersion{
		DocumentID: "doc-1",
		State:      json.RawMessage(`{"type":"doc"}`),
		Kind:       model.KindManual,
		Author:     model.Author{ID: "u1", Name: "Ana"},
		Note:       "checkpoint",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, v.VersionNumber)
	assert.NotEmpty(t, v.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateVersion_MissingDocument(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM note_documents").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.CreateVersion(context.Background(), model.NewVersion{DocumentID: "nope", Kind: model.KindManual})
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t, compress.NewLZ4())

	doc, err := repo.CreateDocument(ctx, 2025, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2025, doc.Year)
	assert.Empty(t, doc.State)

	again, err := repo.CreateDocument(ctx, 2025, "u2")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, again.ID, "one document per year")
	assert.Equal(t, "u1", again.CreatedBy)

	state := json.RawMessage(`{"type":"doc","content":[{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Kickoff"}]}]}`)
	written, err := repo.SaveDocument(ctx, doc.ID, model.DocumentSave{
		Update: model.DocumentUpdate{State: state, UpdatedAt: time.Now(), UpdatedBy: "u2"},
	})
	require.NoError(t, err)
	assert.Empty(t, written)

	loaded, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(state), string(loaded.State))
	assert.Equal(t, "u2", loaded.UpdatedBy)

	for i, kind := range []model.VersionKind{model.KindCreation, model.KindManual, model.KindRestored} {
		v, err := repo.CreateVersion(ctx, model.NewVersion{
			DocumentID: doc.ID,
			State:      state,
			Kind:       kind,
			Author:     model.Author{ID: "u1", Name: "Ana"},
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, v.VersionNumber)
	}

	n, err := repo.CountVersions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	versions, err := repo.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, model.KindCreation, versions[0].Kind)
	assert.Equal(t, 3, versions[2].VersionNumber)
	assert.JSONEq(t, string(state), string(versions[1].State))

	got, err := repo.GetVersion(ctx, versions[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Author.Name)
	assert.JSONEq(t, string(state), string(got.State))
}

func TestSQLiteMissingRows(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t, compress.NewNop())

	_, err := repo.GetVersion(ctx, "missing")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = repo.GetDocument(ctx, "missing")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = repo.CreateVersion(ctx, model.NewVersion{DocumentID: "missing", Kind: model.KindManual, State: json.RawMessage(`{}`)})
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = repo.SaveDocument(ctx, "missing", model.DocumentSave{
		Update: model.DocumentUpdate{State: json.RawMessage(`{}`), UpdatedAt: time.Now()},
	})
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	versions, err := repo.ListVersions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestSQLiteSaveDocumentSnapshots(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t, compress.NewGZip())
	author := model.Author{ID: "u1", Name: "Ana"}

	doc, err := repo.CreateDocument(ctx, 2026, "u1")
	require.NoError(t, err)

	first := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"v1"}]}]}`)
	written, err := repo.SaveDocument(ctx, doc.ID, model.DocumentSave{
		Update:   model.DocumentUpdate{State: first, UpdatedAt: time.Now(), UpdatedBy: "u1"},
		Creation: &model.NewVersion{State: first, Kind: model.KindCreation, Author: author},
		Snapshot: &model.NewVersion{State: first, Kind: model.KindManual, Author: author, Note: "draft"},
	})
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, model.KindCreation, written[0].Kind)
	assert.Equal(t, 1, written[0].VersionNumber)
	assert.Equal(t, model.KindManual, written[1].Kind)
	assert.Equal(t, 2, written[1].VersionNumber)
	assert.Equal(t, doc.ID, written[1].DocumentID)

	// The creation snapshot is skipped once history exists.
	written, err = repo.SaveDocument(ctx, doc.ID, model.DocumentSave{
		Update:   model.DocumentUpdate{State: first, UpdatedAt: time.Now(), UpdatedBy: "u1"},
		Creation: &model.NewVersion{State: first, Kind: model.KindCreation, Author: author},
		Snapshot: &model.NewVersion{State: first, Kind: model.KindManual, Author: author},
	})
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, 3, written[0].VersionNumber)
}

func TestSQLiteSaveDocumentIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t, compress.NewNop())

	doc, err := repo.CreateDocument(ctx, 2027, "u1")
	require.NoError(t, err)
	before := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"before"}]}]}`)
	_, err = repo.SaveDocument(ctx, doc.ID, model.DocumentSave{
		Update: model.DocumentUpdate{State: before, UpdatedAt: time.Now(), UpdatedBy: "u1"},
	})
	require.NoError(t, err)

	_, err = repo.DB.ExecContext(ctx, `CREATE TRIGGER reject_restored BEFORE INSERT ON note_versions
		WHEN NEW.kind = 'restored'
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	after := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"after"}]}]}`)
	_, err = repo.SaveDocument(ctx, doc.ID, model.DocumentSave{
		Update:   model.DocumentUpdate{State: after, UpdatedAt: time.Now(), UpdatedBy: "u2"},
		Snapshot: &model.NewVersion{State: after, Kind: model.KindRestored},
	})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindPersistence))

	loaded, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(loaded.State))
	assert.Equal(t, "u1", loaded.UpdatedBy)

	n, err := repo.CountVersions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchema_UnknownDriver(t *testing.T) {
	_, err := Schema("mysql")
	assert.Error(t, err)

	pg, err := Schema(config.DriverPostgres)
	require.NoError(t, err)
	assert.Contains(t, pg, "JSONB")
	assert.Contains(t, pg, "BYTEA")
}
