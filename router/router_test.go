package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetnotes/config"
	"meetnotes/config/database"
	"meetnotes/internal/notes/editor"
	"meetnotes/internal/notes/realtime"
	"meetnotes/internal/notes/repository"
	"meetnotes/internal/notes/service"
	"meetnotes/pkg/compress"
	"meetnotes/socket"
)

const secret = "test-secret"

func setup(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{JWTSecret: secret, CORSOrigins: []string{"http://localhost:3000"}, Timezone: "UTC"}
	db, err := database.Open(config.DriverSQLite, filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(context.Background(), db, config.DriverSQLite))

	docs := service.NewDocumentService(repository.NewNotesRepository(db, config.DriverSQLite, compress.NewNop()), nil)
	hub := socket.NewHub(editor.Deps{Documents: docs, Transport: realtime.NewMemoryBus()}, socket.Options{})
	return Setup(cfg, db, docs, hub)
}

func token(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-ana", "email": "ana@example.com"}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	h := setup(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestNotesRequireAuth(t *testing.T) {
	h := setup(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/notes/2025", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/notes/2025", nil)
	req.Header.Set("Authorization", "Bearer "+token(t))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"created_by":"u-ana"`)
}

func TestCORSPreflight(t *testing.T) {
	h := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/notes/2025", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}
