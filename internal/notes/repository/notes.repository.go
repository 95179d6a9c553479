package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meetnotes/config"
	"meetnotes/internal/notes/model"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/compress"
	"meetnotes/pkg/logger"
)

// Store is the persistence contract the notes core requires.
type Store interface {
	// GetDocumentByYear returns nil, nil when the year has no document yet.
	GetDocumentByYear(ctx context.Context, year int) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	// CreateDocument is idempotent per year and returns the stored row.
	CreateDocument(ctx context.Context, year int, createdBy string) (*model.Document, error)
	// SaveDocument applies the update and appends the snapshots in one
	// transaction and returns the snapshots written, oldest first.
	SaveDocument(ctx context.Context, id string, save model.DocumentSave) ([]model.VersionSnapshot, error)
	ListVersions(ctx context.Context, documentID string) ([]model.VersionSnapshot, error)
	GetVersion(ctx context.Context, id string) (*model.VersionSnapshot, error)
	CreateVersion(ctx context.Context, v model.NewVersion) (*model.VersionSnapshot, error)
	CountVersions(ctx context.Context, documentID string) (int, error)
}

var _ Store = (*NotesRepository)(nil)

type NotesRepository struct {
	DB     *sql.DB
	driver string
	codec  compress.Compress
}

func NewNotesRepository(db *sql.DB, driver string, codec compress.Compress) *NotesRepository {
	if codec == nil {
		codec = compress.NewNop()
	}
	return &NotesRepository{DB: db, driver: driver, codec: codec}
}

const documentColumns = `id, year, state, created_by, created_at, updated_at, updated_by`

const versionColumns = `id, document_id, version_number, state, compression, kind, author_id, author_name, note, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		doc       model.Document
		state     sql.NullString
		updatedBy sql.NullString
	)
	if err := row.Scan(&doc.ID, &doc.Year, &state, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt, &updatedBy); err != nil {
		return nil, err
	}
	if state.Valid {
		doc.State = json.RawMessage(state.String)
	}
	doc.UpdatedBy = updatedBy.String
	return &doc, nil
}

func (r *NotesRepository) GetDocumentByYear(ctx context.Context, year int) (*model.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM note_documents WHERE year = $1`, year)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load notes document for %d: %v", year, err)
		return nil, apperror.Persistence("repository.GetDocumentByYear", err)
	}
	return doc, nil
}

func (r *NotesRepository) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM note_documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("repository.GetDocument", fmt.Sprintf("document %s not found", id))
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load notes document %s: %v", id, err)
		return nil, apperror.Persistence("repository.GetDocument", err)
	}
	return doc, nil
}

func (r *NotesRepository) CreateDocument(ctx context.Context, year int, createdBy string) (*model.Document, error) {
	now := time.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO note_documents (id, year, state, created_by, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $4, $4)
		ON CONFLICT (year) DO NOTHING`,
		uuid.NewString(), year, createdBy, now)
	if err != nil {
		logger.Sugar.Errorf("Failed to create notes document for %d: %v", year, err)
		return nil, apperror.Persistence("repository.CreateDocument", err)
	}

	// A concurrent first access may have won the insert; either way the
	// surviving row is the year's document.
	doc, err := r.GetDocumentByYear(ctx, year)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperror.Persistence("repository.CreateDocument", fmt.Errorf("document for %d missing after insert", year))
	}
	return doc, nil
}

func (r *NotesRepository) SaveDocument(ctx context.Context, id string, save model.DocumentSave) ([]model.VersionSnapshot, error) {
	const op = "repository.SaveDocument"

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	defer tx.Rollback()

	var state sql.NullString
	if len(save.Update.State) > 0 {
		state = sql.NullString{String: string(save.Update.State), Valid: true}
	}
	result, err := tx.ExecContext(ctx, `UPDATE note_documents SET state = $1, updated_at = $2, updated_by = $3 WHERE id = $4`,
		state, save.Update.UpdatedAt.UTC(), save.Update.UpdatedBy, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to update notes document %s: %v", id, err)
		return nil, apperror.Persistence(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if affected == 0 {
		return nil, apperror.NotFound(op, fmt.Sprintf("document %s not found", id))
	}

	pending := make([]model.NewVersion, 0, 2)
	if save.Creation != nil {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM note_versions WHERE document_id = $1`, id).Scan(&n); err != nil {
			return nil, apperror.Persistence(op, err)
		}
		if n == 0 {
			pending = append(pending, *save.Creation)
		}
	}
	if save.Snapshot != nil {
		pending = append(pending, *save.Snapshot)
	}

	written := make([]model.VersionSnapshot, 0, len(pending))
	for _, nv := range pending {
		nv.DocumentID = id
		v, err := r.insertVersion(ctx, tx, nv)
		if err != nil {
			return nil, err
		}
		written = append(written, *v)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Persistence(op, err)
	}
	return written, nil
}

func (r *NotesRepository) scanVersion(row rowScanner) (*model.VersionSnapshot, error) {
	var (
		v           model.VersionSnapshot
		state       []byte
		compression string
		kind        string
		note        sql.NullString
	)
	if err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &state, &compression, &kind,
		&v.Author.ID, &v.Author.Name, &note, &v.Timestamp); err != nil {
		return nil, err
	}
	codec, err := compress.ByName(compression)
	if err != nil {
		return nil, err
	}
	decoded, err := codec.Decode(state)
	if err != nil {
		return nil, fmt.Errorf("decode version %s: %w", v.ID, err)
	}
	v.State = json.RawMessage(decoded)
	v.Kind = model.VersionKind(kind)
	v.Note = note.String
	return &v, nil
}

func (r *NotesRepository) ListVersions(ctx context.Context, documentID string) ([]model.VersionSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM note_versions WHERE document_id = $1 ORDER BY version_number ASC`, documentID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions for document %s: %v", documentID, err)
		return nil, apperror.Persistence("repository.ListVersions", err)
	}
	defer rows.Close()

	versions := make([]model.VersionSnapshot, 0)
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, apperror.Persistence("repository.ListVersions", err)
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Persistence("repository.ListVersions", err)
	}
	return versions, nil
}

func (r *NotesRepository) GetVersion(ctx context.Context, id string) (*model.VersionSnapshot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM note_versions WHERE id = $1`, id)
	v, err := r.scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("repository.GetVersion", fmt.Sprintf("version %s not found", id))
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load version %s: %v", id, err)
		return nil, apperror.Persistence("repository.GetVersion", err)
	}
	return v, nil
}

// CreateVersion appends a snapshot numbered one above the document's
// current maximum. The unique (document_id, version_number) index turns a
// lost race into an error instead of a duplicate number.
func (r *NotesRepository) CreateVersion(ctx context.Context, nv model.NewVersion) (*model.VersionSnapshot, error) {
	const op = "repository.CreateVersion"

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	defer tx.Rollback()

	v, err := r.insertVersion(ctx, tx, nv)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.Persistence(op, err)
	}
	return v, nil
}

func (r *NotesRepository) insertVersion(ctx context.Context, tx *sql.Tx, nv model.NewVersion) (*model.VersionSnapshot, error) {
	const op = "repository.CreateVersion"

	encoded, err := r.codec.Encode(nv.State)
	if err != nil {
		return nil, apperror.Persistence(op, fmt.Errorf("encode state: %w", err))
	}
	ts := nv.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	lock := ""
	if r.driver == config.DriverPostgres {
		lock = " FOR UPDATE"
	}
	var docID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM note_documents WHERE id = $1`+lock, nv.DocumentID).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound(op, fmt.Sprintf("document %s not found", nv.DocumentID))
	}
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1 FROM note_versions WHERE document_id = $1`,
		nv.DocumentID).Scan(&next); err != nil {
		return nil, apperror.Persistence(op, err)
	}

	var note sql.NullString
	if nv.Note != "" {
		note = sql.NullString{String: nv.Note, Valid: true}
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO note_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, nv.DocumentID, next, encoded, r.codec.Name(), string(nv.Kind), nv.Author.ID, nv.Author.Name, note, ts); err != nil {
		logger.Sugar.Errorf("Failed to insert version %d for document %s: %v", next, nv.DocumentID, err)
		return nil, apperror.Persistence(op, err)
	}

	return &model.VersionSnapshot{
		ID:            id,
		DocumentID:    nv.DocumentID,
		VersionNumber: next,
		State:         append(json.RawMessage(nil), nv.State...),
		Kind:          nv.Kind,
		Author:        nv.Author,
		Timestamp:     ts,
		Note:          nv.Note,
	}, nil
}

func (r *NotesRepository) CountVersions(ctx context.Context, documentID string) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM note_versions WHERE document_id = $1`, documentID).Scan(&n); err != nil {
		return 0, apperror.Persistence("repository.CountVersions", err)
	}
	return n, nil
}
