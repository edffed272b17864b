package server

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("ERROR: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"storage_engine": s.cfg.StorageEngine,
		"model_breaker":  s.breakerState(),
	})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		log.Printf("ERROR: list entities: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not list entities")
		return
	}
	if entities == nil {
		entities = []*types.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entity, err := s.store.GetEntity(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entity not found")
		return
	}
	if err != nil {
		log.Printf("ERROR: get entity %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load entity")
		return
	}

	memories, err := s.ledger.TopK(r.Context(), &id, 50)
	if err != nil {
		log.Printf("WARNING: memories of %s: %v", id, err)
	}
	if memories == nil {
		memories = []*types.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity, "memories": memories})
}

func (s *Server) handleDeleteEntityMemories(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetEntity(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entity not found")
		return
	}
	n, err := s.store.DeleteEntityMemories(r.Context(), id)
	if err != nil {
		log.Printf("ERROR: delete memories of %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not delete memories")
		return
	}
	s.resolver.Forget(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.resolver.Erase(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entity not found")
		return
	}
	if err != nil {
		log.Printf("ERROR: delete entity %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not delete entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type updateEntityRequest struct {
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	err := s.store.UpdateEntityProfile(r.Context(), id, req.Name, req.Notes)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entity not found")
		return
	}
	if errors.Is(err, storage.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err != nil {
		log.Printf("ERROR: update entity %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not update entity")
		return
	}

	// The cached copy is stale now; the next lookup reloads it.
	s.resolver.Forget(id)
	entity, err := s.store.GetEntity(r.Context(), id)
	if err != nil {
		log.Printf("ERROR: reload entity %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity})
}

type addEmbeddingRequest struct {
	Embedding string `json:"embedding"` // base64 little-endian float32
	Condition string `json:"condition"`
}

// handleAddEmbedding enrolls an additional face sample for a known entity so
// operators can tighten matching across lighting conditions.
func (s *Server) handleAddEmbedding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req addEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.Embedding)
	if err != nil || len(raw) == 0 || len(raw)%4 != 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "embedding must be base64 little-endian float32")
		return
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	if _, err := s.store.GetEntity(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entity not found")
		return
	}
	if err := s.resolver.AddSample(r.Context(), id, vec, req.Condition); err != nil {
		log.Printf("ERROR: add embedding for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not store embedding")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entity_id": id, "dimension": len(vec)})
}

type createMemoryRequest struct {
	EntityID   *string `json:"entity_id"`
	MemoryType string  `json:"memory_type"`
	Content    string  `json:"content"`
	Importance int     `json:"importance"`
	TTLSeconds int     `json:"ttl_seconds"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	rec := &types.MemoryRecord{
		EntityID:   req.EntityID,
		MemoryType: req.MemoryType,
		Content:    req.Content,
		Importance: req.Importance,
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		rec.ExpiresAt = &expires
	}

	saved, err := s.ledger.Append(r.Context(), rec)
	if errors.Is(err, storage.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err != nil {
		log.Printf("ERROR: create memory: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not save memory")
		return
	}
	if !saved {
		writeError(w, http.StatusUnprocessableEntity, "PRIVATE_CONTENT",
			"content rejected by the privacy gate")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"memory": rec})
}

// handleExport returns a read-only snapshot: entities plus the global memory
// scope, enough to seed another instance.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		log.Printf("ERROR: export entities: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "export failed")
		return
	}
	global, err := s.ledger.TopK(r.Context(), nil, 500)
	if err != nil {
		log.Printf("ERROR: export global memories: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "export failed")
		return
	}
	if entities == nil {
		entities = []*types.Entity{}
	}
	if global == nil {
		global = []*types.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at":    time.Now().UTC(),
		"entities":        entities,
		"global_memories": global,
	})
}
