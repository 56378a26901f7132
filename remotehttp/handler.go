package remotehttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mobilefin/finsync/finsync"
	"github.com/mobilefin/finsync/internal/auth"
)

// Handler serves the document API over any remote-store implementation.
// Requests must pass the JWT middleware first; the authenticated user may
// only touch the shared categories collection and collections under their
// own users/{userId}/ prefix.
type Handler struct {
	store  finsync.RemoteStore
	logger *slog.Logger
}

func NewHandler(store finsync.RemoteStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Routes mounts the API onto a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/docs/{path...}", h.handleQuery)
	mux.HandleFunc("PUT /v1/docs/{path...}", h.handleSet)
	mux.HandleFunc("POST /v1/batch", h.handleBatch)
	return mux
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "no authenticated user")
		return
	}
	collection := r.PathValue("path")
	if !collectionAllowed(userID, collection) {
		h.writeError(w, http.StatusForbidden, "forbidden", "collection not accessible")
		return
	}

	after := int64(-1)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be an integer")
			return
		}
		after = parsed
	}

	col := h.store.Collection(collection)
	var (
		docs []finsync.RemoteDocument
		err  error
	)
	if after >= 0 {
		docs, err = col.QueryUpdatedAfter(r.Context(), after)
	} else {
		docs, err = col.Get(r.Context())
	}
	if err != nil {
		h.logger.Error("Failed to query collection", "collection", collection, "error", err)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "failed to query collection")
		return
	}

	resp := QueryResponse{Documents: make([]Document, 0, len(docs))}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, Document{ID: d.ID, Data: d.Data})
	}
	h.writeJSON(w, &resp)
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "no authenticated user")
		return
	}

	// The trailing path segment is the document id.
	full := r.PathValue("path")
	idx := strings.LastIndex(full, "/")
	if idx <= 0 || idx == len(full)-1 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "expected {collection}/{docId}")
		return
	}
	collection, docID := full[:idx], full[idx+1:]
	if !collectionAllowed(userID, collection) {
		h.writeError(w, http.StatusForbidden, "forbidden", "collection not accessible")
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse document body")
		return
	}
	if err := h.store.Collection(collection).Set(r.Context(), docID, data); err != nil {
		h.logger.Error("Failed to write document", "collection", collection, "doc_id", docID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "write_failed", "failed to write document")
		return
	}
	h.writeJSON(w, map[string]any{"ok": true})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "no authenticated user")
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse batch request")
		return
	}
	if len(req.Operations) > finsync.RemoteBatchLimit {
		h.writeError(w, http.StatusBadRequest, "batch_too_large", "batch exceeds operation limit")
		return
	}
	for _, op := range req.Operations {
		if !collectionAllowed(userID, op.Collection) {
			h.writeError(w, http.StatusForbidden, "forbidden", "collection not accessible")
			return
		}
	}

	batch := h.store.Batch()
	for _, op := range req.Operations {
		batch.Set(op.Collection, op.ID, op.Data)
	}
	if err := batch.Commit(r.Context()); err != nil {
		h.logger.Error("Failed to commit batch", "ops", len(req.Operations), "error", err)
		h.writeError(w, http.StatusInternalServerError, "batch_failed", "failed to commit batch")
		return
	}
	h.writeJSON(w, map[string]any{"ok": true, "applied": len(req.Operations)})
}

// collectionAllowed scopes access: the shared categories collection plus
// anything under the caller's own user prefix.
func collectionAllowed(userID, collection string) bool {
	if collection == "categories" {
		return true
	}
	return strings.HasPrefix(collection, "users/"+userID+"/")
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}
