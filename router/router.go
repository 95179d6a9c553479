package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"meetnotes/config"
	notesHandler "meetnotes/internal/notes"
	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/service"
	"meetnotes/middleware"
	"meetnotes/socket"
)

func Setup(cfg config.Config, db *sql.DB, docs *service.DocumentService, hub *socket.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", health(db))

	auth := middleware.Auth(cfg.JWTSecret)

	// WebSocket
	r.With(auth).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		id, name := middleware.User(r.Context())
		socket.ServeWs(hub, w, r, model.Author{ID: id, Name: name})
	})

	// REST API
	h := notesHandler.NewNotesHandler(docs, hub, cfg.Location())
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(chimw.Timeout(30 * time.Second))
		h.Routes(r)
	})

	return r
}

func health(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			status, code = "database unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
