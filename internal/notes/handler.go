package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"meetnotes/internal/notes/doctree"
	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/service"
	"meetnotes/middleware"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/logger"
)

// Publisher shares a saved state with the live editors of a year.
type Publisher interface {
	Publish(ctx context.Context, year int, state json.RawMessage) error
}

type NotesHandler struct {
	Service   *service.DocumentService
	Publisher Publisher
	Location  *time.Location
}

func NewNotesHandler(svc *service.DocumentService, pub Publisher, loc *time.Location) *NotesHandler {
	if loc == nil {
		loc = time.Local
	}
	return &NotesHandler{Service: svc, Publisher: pub, Location: loc}
}

// Routes mounts the notes API under /api/notes.
func (h *NotesHandler) Routes(r chi.Router) {
	r.Route("/api/notes/{year}", func(r chi.Router) {
		r.Get("/", h.GetNotes)
		r.Put("/", h.SaveNotes)
		r.Get("/outline", h.GetOutline)
		r.Get("/search", h.Search)
		r.Get("/versions", h.ListVersions)
		r.Post("/versions", h.CreateVersion)
		r.Get("/versions/{versionID}", h.GetVersion)
		r.Post("/versions/{versionID}/restore", h.RestoreVersion)
	})
}

func author(r *http.Request) model.Author {
	id, name := middleware.User(r.Context())
	return model.Author{ID: id, Name: name}
}

// load resolves the {year} parameter to its document, creating it on
// first access, and parses its state.
func (h *NotesHandler) load(r *http.Request) (*model.Document, *doctree.Node, bool, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return nil, nil, false, apperror.Validation("notes.year", "year must be a number")
	}
	doc, created, err := h.Service.LoadOrCreate(r.Context(), year, author(r).ID)
	if err != nil {
		return nil, nil, false, err
	}
	tree, err := doctree.Parse(doc.State)
	if err != nil {
		return nil, nil, false, apperror.Wrap(apperror.KindValidation, "notes.load", err)
	}
	return doc, tree, created, nil
}

func (h *NotesHandler) GetNotes(w http.ResponseWriter, r *http.Request) {
	doc, tree, created, err := h.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.DocumentResponse{Document: doc, Outline: doctree.Outline(tree), Created: created})
}

func (h *NotesHandler) SaveNotes(w http.ResponseWriter, r *http.Request) {
	var req model.SaveDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.State) == 0 || string(req.State) == "null" {
		http.Error(w, "State cannot be empty", http.StatusBadRequest)
		return
	}

	doc, _, _, err := h.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tree, err := doctree.Parse(req.State)
	if err != nil {
		writeError(w, apperror.Validation("notes.SaveNotes", err.Error()))
		return
	}
	doctree.Autoformat(tree)
	state, err := tree.Marshal()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.Service.Save(r.Context(), service.SaveRequest{
		DocumentID: doc.ID,
		State:      state,
		Author:     author(r),
		Kind:       model.KindManual,
		Note:       req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.publish(r.Context(), doc.Year, state)
	writeJSON(w, http.StatusOK, model.SaveResponse{UpdatedAt: result.UpdatedAt, Version: result.Version})
}

func (h *NotesHandler) GetOutline(w http.ResponseWriter, r *http.Request) {
	_, tree, _, err := h.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outline": doctree.Outline(tree)})
}

func (h *NotesHandler) Search(w http.ResponseWriter, r *http.Request) {
	_, tree, _, err := h.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var cursor doctree.SearchCursor
	q := r.URL.Query().Get("q")
	cursor.Reset(q, doctree.Search(q, doctree.Outline(tree), tree))
	results := cursor.Results()
	if results == nil {
		results = []doctree.SearchResult{}
	}
	writeJSON(w, http.StatusOK, model.SearchResponse{
		Query:   cursor.Query(),
		Visible: cursor.Visible(),
		Results: results,
		Index:   cursor.Index(),
	})
}

func (h *NotesHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	doc, _, _, err := h.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, err := h.Service.Versions.List(r.Context(), doc.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": service.Group(versions, time.Now(), h.Location)})
}

func (h *NotesHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req model.SaveVersionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	doc, tree, _, err := h.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := tree.Marshal()
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := h.Service.Versions.Create(r.Context(), doc.ID, state, model.KindManual, author(r), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// version loads {versionID} and checks it belongs to the {year} document.
func (h *NotesHandler) version(r *http.Request) (*model.VersionSnapshot, error) {
	doc, _, _, err := h.load(r)
	if err != nil {
		return nil, err
	}
	v, err := h.Service.Versions.Get(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		return nil, err
	}
	if v.DocumentID != doc.ID {
		return nil, apperror.NotFound("notes.version", "version not found for this year")
	}
	return v, nil
}

func (h *NotesHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.version(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *NotesHandler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.version(r)
	if err != nil {
		writeError(w, err)
		return
	}
	source, result, err := h.Service.Restore(r.Context(), v.ID, author(r))
	if err != nil {
		writeError(w, err)
		return
	}
	year, _ := strconv.Atoi(chi.URLParam(r, "year"))
	h.publish(r.Context(), year, source.State)
	writeJSON(w, http.StatusOK, model.SaveResponse{UpdatedAt: result.UpdatedAt, Version: result.Version})
}

func (h *NotesHandler) publish(ctx context.Context, year int, state json.RawMessage) {
	if h.Publisher == nil {
		return
	}
	if err := h.Publisher.Publish(ctx, year, state); err != nil {
		logger.Sugar.Warnf("Handler: saved notes %d but could not notify editors: %v", year, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperror.HTTPStatus(err)
	message := "Internal server error"
	var appErr *apperror.Error
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		message = appErr.Message
		if message == "" && appErr.Err != nil {
			message = appErr.Err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Sugar.Errorf("Handler: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": message, "kind": string(apperror.KindOf(err))})
}
