package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meetnotes/internal/notes/doctree"
	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/repository"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/logger"
)

const (
	minYear = 1900
	maxYear = 9999
)

type DocumentService struct {
	Repo     repository.Store
	Versions *VersionService
	now      func() time.Time
}

func NewDocumentService(repo repository.Store, versions *VersionService) *DocumentService {
	if versions == nil {
		versions = NewVersionService(repo)
	}
	return &DocumentService{Repo: repo, Versions: versions, now: time.Now}
}

// SaveRequest is one write through the save path. Kind selects the
// snapshot side effect: autosave writes none, manual and restored write
// one of their kind.
type SaveRequest struct {
	DocumentID string
	State      json.RawMessage
	Author     model.Author
	Kind       model.VersionKind
	Note       string
}

type SaveResult struct {
	UpdatedAt time.Time
	// Version is the snapshot written by this save, if any. When a first
	// manual save also records the creation snapshot, this is the manual one.
	Version *model.VersionSnapshot
}

func ValidateYear(year int) error {
	if year < minYear || year > maxYear {
		return apperror.Validation("notes.year", fmt.Sprintf("year %d out of range", year))
	}
	return nil
}

// LoadOrCreate returns the year's document, creating it on first access.
// created reports whether this call found no document for the year.
func (s *DocumentService) LoadOrCreate(ctx context.Context, year int, userID string) (doc *model.Document, created bool, err error) {
	if err := ValidateYear(year); err != nil {
		return nil, false, err
	}
	doc, err = s.Repo.GetDocumentByYear(ctx, year)
	if err != nil {
		return nil, false, err
	}
	if doc != nil {
		return doc, false, nil
	}

	doc, err = s.Repo.CreateDocument(ctx, year, userID)
	if err != nil {
		return nil, false, err
	}
	logger.Sugar.Infof("Created notes document %s for %d", doc.ID, year)
	return doc, true, nil
}

func (s *DocumentService) Get(ctx context.Context, id string) (*model.Document, error) {
	return s.Repo.GetDocument(ctx, id)
}

// Save writes the state as the document's current state together with
// the snapshot the request kind calls for, in one transaction. The very
// first save of a document with no history also records a creation
// snapshot. On error nothing was written.
func (s *DocumentService) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	const op = "notes.Save"

	if req.DocumentID == "" {
		return nil, apperror.Validation(op, "document id is required")
	}
	if req.Kind == "" {
		req.Kind = model.KindAutosave
	}
	if req.Kind == model.KindCreation || !req.Kind.Valid() {
		return nil, apperror.Validation(op, "unsupported save kind "+string(req.Kind))
	}
	if _, err := doctree.Parse(req.State); err != nil {
		return nil, apperror.Validation(op, err.Error())
	}

	updatedAt := s.now().UTC()
	creation, err := newVersion(req.DocumentID, req.State, model.KindCreation, req.Author, "", updatedAt)
	if err != nil {
		return nil, err
	}
	save := model.DocumentSave{
		Update: model.DocumentUpdate{
			State:     req.State,
			UpdatedAt: updatedAt,
			UpdatedBy: req.Author.ID,
		},
		Creation: &creation,
	}
	if req.Kind != model.KindAutosave {
		snapshot, err := newVersion(req.DocumentID, req.State, req.Kind, req.Author, req.Note, updatedAt)
		if err != nil {
			return nil, err
		}
		save.Snapshot = &snapshot
	}

	written, err := s.Repo.SaveDocument(ctx, req.DocumentID, save)
	if err != nil {
		return nil, err
	}

	result := &SaveResult{UpdatedAt: updatedAt}
	if n := len(written); n > 0 {
		result.Version = &written[n-1]
	}
	return result, nil
}

// RestoreSource loads the snapshot a restore starts from. A snapshot whose
// document no longer exists cannot be restored.
func (s *DocumentService) RestoreSource(ctx context.Context, versionID string) (*model.VersionSnapshot, error) {
	const op = "notes.Restore"

	source, err := s.Versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Repo.GetDocument(ctx, source.DocumentID); err != nil {
		if apperror.Is(err, apperror.KindNotFound) {
			return nil, apperror.Validation(op, "version belongs to a document that no longer exists")
		}
		return nil, err
	}
	return source, nil
}

// Restore makes the snapshot's state current through the normal save path.
// The source snapshot is left as it is; a new restored snapshot is appended.
func (s *DocumentService) Restore(ctx context.Context, versionID string, author model.Author) (*model.VersionSnapshot, *SaveResult, error) {
	source, err := s.RestoreSource(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}

	result, err := s.Save(ctx, SaveRequest{
		DocumentID: source.DocumentID,
		State:      source.State,
		Author:     author,
		Kind:       model.KindRestored,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Sugar.Infof("Restored document %s to version %d by %s", source.DocumentID, source.VersionNumber, author.ID)
	return source, result, nil
}
