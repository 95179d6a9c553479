package model

import (
	"encoding/json"
	"time"

	"meetnotes/internal/notes/doctree"
)

type Document struct {
	ID        string          `json:"id"`
	Year      int             `json:"year"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// DocumentUpdate is the write half of the persistence contract.
type DocumentUpdate struct {
	State     json.RawMessage
	UpdatedAt time.Time
	UpdatedBy string
}

// DocumentSave is a document update together with the snapshots it
// records, written as one unit.
type DocumentSave struct {
	Update DocumentUpdate
	// Creation is recorded only when the document has no versions yet.
	Creation *NewVersion
	Snapshot *NewVersion
}

type VersionKind string

const (
	KindCreation VersionKind = "creation"
	KindAutosave VersionKind = "autosave"
	KindManual   VersionKind = "manual"
	KindRestored VersionKind = "restored"
)

func (k VersionKind) Valid() bool {
	switch k {
	case KindCreation, KindAutosave, KindManual, KindRestored:
		return true
	}
	return false
}

type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type VersionSnapshot struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document_id"`
	VersionNumber int             `json:"version_number"`
	State         json.RawMessage `json:"state"`
	Kind          VersionKind     `json:"kind"`
	Author        Author          `json:"author"`
	Timestamp     time.Time       `json:"timestamp"`
	Note          string          `json:"note,omitempty"`
}

// NewVersion is what the store needs to append a snapshot; the version
// number is assigned by the store.
type NewVersion struct {
	DocumentID string
	State      json.RawMessage
	Kind       VersionKind
	Author     Author
	Note       string
	Timestamp  time.Time
}

// VersionSummary is a snapshot without its state, for history listings.
type VersionSummary struct {
	ID            string      `json:"id"`
	VersionNumber int         `json:"version_number"`
	Kind          VersionKind `json:"kind"`
	Author        Author      `json:"author"`
	Timestamp     time.Time   `json:"timestamp"`
	Note          string      `json:"note,omitempty"`
}

func (v VersionSnapshot) Summary() VersionSummary {
	return VersionSummary{
		ID:            v.ID,
		VersionNumber: v.VersionNumber,
		Kind:          v.Kind,
		Author:        v.Author,
		Timestamp:     v.Timestamp,
		Note:          v.Note,
	}
}

// VersionGroup is one calendar day of history.
type VersionGroup struct {
	Label    string           `json:"label"`
	Day      string           `json:"day"`
	Versions []VersionSummary `json:"versions"`
}

type PresenceEntry struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	Color      string    `json:"color"`
	LastActive time.Time `json:"last_active"`
}

type DocumentResponse struct {
	Document *Document             `json:"document"`
	Outline  []doctree.HeadingInfo `json:"outline"`
	Created  bool                  `json:"created"`
}

type SaveDocRequest struct {
	State json.RawMessage `json:"state"`
	Note  string          `json:"note,omitempty"`
}

type SaveVersionRequest struct {
	Note string `json:"note"`
}

type SaveResponse struct {
	UpdatedAt time.Time        `json:"updated_at"`
	Version   *VersionSnapshot `json:"version,omitempty"`
}

type SearchResponse struct {
	Query   string                 `json:"query"`
	Visible bool                   `json:"visible"`
	Results []doctree.SearchResult `json:"results"`
	// Index is the current match, -1 when there is none.
	Index int `json:"index"`
}
