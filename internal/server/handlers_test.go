package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pikobot/piko/internal/config"
	"github.com/pikobot/piko/internal/identity"
	"github.com/pikobot/piko/internal/index"
	"github.com/pikobot/piko/internal/ledger"
	"github.com/pikobot/piko/internal/privacy"
	"github.com/pikobot/piko/internal/storage/sqlite"
	"github.com/pikobot/piko/pkg/types"
)

const testAPIKey = "rest-key"

func newTestServer(t *testing.T) (*Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Defaults()
	cfg.APIKey = testAPIKey

	led := ledger.New(store, privacy.KeywordClassifier())
	resolver := identity.NewResolver(store, index.NewFlat(cfg.MatchThreshold, 3))
	breakerState := func() string { return "closed" }

	wsStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return New(cfg, store, led, resolver, breakerState, wsStub), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["model_breaker"])
}

func TestAPIRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/entities", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/entities", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetEntityNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/entities/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateEntityProfile(t *testing.T) {
	srv, store := newTestServer(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateEntity(t.Context(), &types.Entity{
		ID: "e1", Name: "Ana", FirstSeen: now, LastSeen: now,
	}, nil))

	rec := doJSON(t, srv, http.MethodPatch, "/api/entities/e1", map[string]string{
		"name": "Ana María", "notes": "prefers mornings",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetEntity(t.Context(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "Ana María", got.Name)
	assert.Equal(t, "prefers mornings", got.Notes)
}

func TestCreateMemoryBlockedByPrivacyGate(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/memories", map[string]any{
		"memory_type": "fact", "content": "the wifi password is hunter2", "importance": 5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	mems, err := store.TopMemories(t.Context(), nil, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, mems, "rejected content must not be stored")
}

func TestCreateMemoryWithTTL(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/memories", map[string]any{
		"memory_type": "event", "content": "birthday party on Saturday",
		"importance": 7, "ttl_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	mems, err := store.TopMemories(t.Context(), nil, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, mems, 1)
	require.NotNil(t, mems[0].ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *mems[0].ExpiresAt, time.Minute)
}

func TestDeleteEntity(t *testing.T) {
	srv, store := newTestServer(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateEntity(t.Context(), &types.Entity{
		ID: "e1", Name: "Ana", FirstSeen: now, LastSeen: now,
	}, nil))

	rec := doJSON(t, srv, http.MethodDelete, "/api/entities/e1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.GetEntity(t.Context(), "e1")
	assert.Error(t, err)
}

func TestExportSnapshot(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.AppendMemory(t.Context(), &types.MemoryRecord{
		MemoryType: types.MemoryObservation, Content: "the house is quiet at noon",
		Importance: 3, CreatedAt: time.Now(),
	}))

	rec := doJSON(t, srv, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entities       []types.Entity       `json:"entities"`
		GlobalMemories []types.MemoryRecord `json:"global_memories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Entities)
	require.Len(t, body.GlobalMemories, 1)
	assert.Equal(t, "the house is quiet at noon", body.GlobalMemories[0].Content)
}
