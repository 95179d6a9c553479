package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/repository"
	"meetnotes/pkg/apperror"
)

const dayLayout = "2006-01-02"

// VersionService is the append-only snapshot store.
type VersionService struct {
	Repo repository.Store
}

func NewVersionService(repo repository.Store) *VersionService {
	return &VersionService{Repo: repo}
}

// Create appends a snapshot. Notes are only accepted on manual snapshots.
func (s *VersionService) Create(ctx context.Context, documentID string, state json.RawMessage, kind model.VersionKind, author model.Author, note string) (*model.VersionSnapshot, error) {
	nv, err := newVersion(documentID, state, kind, author, note, time.Now())
	if err != nil {
		return nil, err
	}
	return s.Repo.CreateVersion(ctx, nv)
}

func newVersion(documentID string, state json.RawMessage, kind model.VersionKind, author model.Author, note string, at time.Time) (model.NewVersion, error) {
	const op = "versions.Create"

	if documentID == "" {
		return model.NewVersion{}, apperror.Validation(op, "document id is required")
	}
	if !kind.Valid() {
		return model.NewVersion{}, apperror.Validation(op, "unknown version kind "+string(kind))
	}
	note = strings.TrimSpace(note)
	if note != "" && kind != model.KindManual {
		return model.NewVersion{}, apperror.Validation(op, "notes are only allowed on manual versions")
	}
	return model.NewVersion{
		DocumentID: documentID,
		State:      state,
		Kind:       kind,
		Author:     author,
		Note:       note,
		Timestamp:  at,
	}, nil
}

// List returns the document's snapshots in creation order.
func (s *VersionService) List(ctx context.Context, documentID string) ([]model.VersionSnapshot, error) {
	return s.Repo.ListVersions(ctx, documentID)
}

func (s *VersionService) Get(ctx context.Context, id string) (*model.VersionSnapshot, error) {
	if id == "" {
		return nil, apperror.Validation("versions.Get", "version id is required")
	}
	return s.Repo.GetVersion(ctx, id)
}

// Group buckets versions by calendar day in loc, newest first.
func Group(versions []model.VersionSnapshot, now time.Time, loc *time.Location) []model.VersionGroup {
	if loc == nil {
		loc = time.Local
	}
	sorted := make([]model.VersionSnapshot, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		}
		return sorted[i].VersionNumber > sorted[j].VersionNumber
	})

	local := now.In(loc)
	today := local.Format(dayLayout)
	yesterday := time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, loc).Format(dayLayout)

	groups := make([]model.VersionGroup, 0)
	for _, v := range sorted {
		day := v.Timestamp.In(loc).Format(dayLayout)
		if n := len(groups); n == 0 || groups[n-1].Day != day {
			label := day
			switch day {
			case today:
				label = "Today"
			case yesterday:
				label = "Yesterday"
			}
			groups = append(groups, model.VersionGroup{Label: label, Day: day})
		}
		g := &groups[len(groups)-1]
		g.Versions = append(g.Versions, v.Summary())
	}
	return groups
}
