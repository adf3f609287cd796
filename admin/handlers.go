// Package admin exposes the operational HTTP surface: storage status,
// digest inspection, ad hoc queries and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/digest"
	"github.com/ermine-db/ermine/manager"
)

// Handlers serves the admin API over a running manager.
type Handlers struct {
	manager *manager.Manager
}

// NewHandlers creates a Handlers instance.
func NewHandlers(m *manager.Manager) *Handlers {
	return &Handlers{manager: m}
}

type storageStatus struct {
	Name          string `json:"name"`
	KeyExpr       string `json:"key_expr"`
	Entries       int    `json:"entries"`
	DigestRoot    uint64 `json:"digest_root"`
	DigestVersion uint64 `json:"digest_version"`
}

type digestView struct {
	Root    uint64                  `json:"root"`
	Version uint64                  `json:"version"`
	Eras    []digest.EraFingerprint `json:"eras"`
}

type entryView struct {
	Key      string `json:"key"`
	Value    []byte `json:"value"`
	WallTime int64  `json:"wall_time"`
	Logical  int32  `json:"logical"`
	NodeID   uint64 `json:"node_id"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"storages": h.manager.Len(),
	})
}

func (h *Handlers) handleListStorages(w http.ResponseWriter, r *http.Request) {
	names := h.manager.Names()
	statuses := make([]storageStatus, 0, len(names))
	for _, name := range names {
		s, ok := h.manager.Storage(name)
		if !ok {
			continue
		}
		snap := s.Digest().Snapshot()
		statuses = append(statuses, storageStatus{
			Name:          name,
			KeyExpr:       s.KeyExpr(),
			Entries:       s.Digest().Len(),
			DigestRoot:    snap.Root,
			DigestVersion: snap.Version,
		})
	}
	writeJSON(w, statuses)
}

func (h *Handlers) handleStorageDigest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "storage")
	s, ok := h.manager.Storage(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "storage not found")
		return
	}

	snap := s.Digest().Snapshot()
	writeJSON(w, digestView{Root: snap.Root, Version: snap.Version, Eras: snap.Eras})
}

func (h *Handlers) handleStorageQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "storage")
	s, ok := h.manager.Storage(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "storage not found")
		return
	}

	expr := r.URL.Query().Get("expr")
	if expr == "" {
		writeErrorResponse(w, http.StatusBadRequest, "expr query parameter is required")
		return
	}

	entries, err := s.Query(expr)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView{
			Key:      entry.Key,
			Value:    entry.Value,
			WallTime: entry.Timestamp.WallTime,
			Logical:  entry.Timestamp.Logical,
			NodeID:   entry.Timestamp.NodeID,
		})
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
