// Package httpapi exposes the relay's inbound control surface: the reply
// boundary the backend uses to push asynchronous messages into
// conversations, plus mapping maintenance endpoints.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/relaybot/internal/messaging"
	"github.com/nextlevelbuilder/relaybot/internal/store"
)

// ReplyHandler serves the /reply endpoints.
type ReplyHandler struct {
	client   messaging.Client
	mappings store.MappingStore
	token    string
	limiter  *RateLimiter
}

// NewReplyHandler creates the reply boundary handler.
func NewReplyHandler(client messaging.Client, mappings store.MappingStore, token string) *ReplyHandler {
	return &ReplyHandler{
		client:   client,
		mappings: mappings,
		token:    token,
		limiter:  NewRateLimiter(),
	}
}

// RegisterRoutes registers the reply boundary routes on the given mux.
func (h *ReplyHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /reply", h.guard(h.handleReply))
	mux.HandleFunc("GET /reply/status", h.guard(h.handleStatus))
	mux.HandleFunc("POST /reply/cleanup", h.guard(h.handleCleanup))
	mux.HandleFunc("GET /reply/mapping/{threadId}", h.guard(h.handleMapping))
}

func (h *ReplyHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(remoteKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		if h.token != "" && extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

type replyRequest struct {
	ThreadID       string `json:"threadId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

type replyResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleReply pushes a message into a conversation, resolving the target by
// direct conversation id first, then through the thread mapping.
func (h *ReplyHandler) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, replyResponse{Error: "invalid JSON"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, replyResponse{Error: "message is required"})
		return
	}
	if req.ThreadID == "" && req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, replyResponse{Error: "threadId or conversationId is required"})
		return
	}

	ctx := r.Context()

	conversationID := req.ConversationID
	if conversationID == "" {
		mapping, err := h.mappings.Lookup(ctx, req.ThreadID)
		if err != nil {
			slog.Error("reply: mapping lookup failed", "thread", req.ThreadID, "error", err)
			writeJSON(w, http.StatusInternalServerError, replyResponse{Error: "mapping lookup failed"})
			return
		}
		if mapping == nil {
			writeJSON(w, http.StatusNotFound, replyResponse{Error: fmt.Sprintf("no mapping for thread %s", req.ThreadID)})
			return
		}
		conversationID = mapping.ConversationID
	}

	conv, err := h.client.ConversationByID(ctx, conversationID)
	if err != nil {
		slog.Error("reply: conversation lookup failed", "conversation", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, replyResponse{Error: "conversation lookup failed"})
		return
	}
	if conv == nil {
		// Direct id miss with a threadId in hand: fall back to the mapping.
		if req.ConversationID != "" && req.ThreadID != "" {
			mapping, mErr := h.mappings.Lookup(ctx, req.ThreadID)
			if mErr == nil && mapping != nil && mapping.ConversationID != conversationID {
				conversationID = mapping.ConversationID
				conv, err = h.client.ConversationByID(ctx, conversationID)
				if err != nil {
					slog.Error("reply: conversation lookup failed", "conversation", conversationID, "error", err)
					writeJSON(w, http.StatusInternalServerError, replyResponse{Error: "conversation lookup failed"})
					return
				}
			}
		}
		if conv == nil {
			writeJSON(w, http.StatusNotFound, replyResponse{Error: fmt.Sprintf("conversation %s not found", conversationID)})
			return
		}
	}

	if err := conv.Send(ctx, req.Message); err != nil {
		slog.Error("reply: send failed", "conversation", conversationID, "error", err)
		writeJSON(w, http.StatusBadGateway, replyResponse{Error: "send failed"})
		return
	}

	slog.Info("reply delivered",
		"conversation", conversationID,
		"thread", req.ThreadID,
		"chars", len(req.Message),
	)
	writeJSON(w, http.StatusOK, replyResponse{Success: true, ConversationID: conversationID})
}

// handleStatus returns mapping store statistics.
func (h *ReplyHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mappings.Stats(r.Context())
	if err != nil {
		slog.Error("reply: stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	MaxAgeHours int `json:"maxAgeHours"`
}

// handleCleanup evicts mappings idle longer than maxAgeHours.
func (h *ReplyHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.MaxAgeHours <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "maxAgeHours must be positive"})
		return
	}

	removed, err := h.mappings.EvictOlderThan(r.Context(), time.Duration(req.MaxAgeHours)*time.Hour)
	if err != nil {
		slog.Error("reply: cleanup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	slog.Info("mapping cleanup", "max_age_hours", req.MaxAgeHours, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleMapping returns one mapping, 404 when absent.
func (h *ReplyHandler) handleMapping(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	mapping, err := h.mappings.Lookup(r.Context(), threadID)
	if err != nil {
		slog.Error("reply: mapping lookup failed", "thread", threadID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if mapping == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "mapping not found"})
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// remoteKey derives the rate-limit key from the transport peer address.
// Forwarding headers are attacker-controlled on direct connections and are
// never consulted.
func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
