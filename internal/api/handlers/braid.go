package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"braid/internal/engine"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxMessageBytes = 64 * 1024

// BraidHandler exposes the turn pipeline over HTTP. All state lives behind
// the registry; handlers stay thin.
type BraidHandler struct {
	sessions *engine.Registry
	logger   *zap.Logger
}

func NewBraidHandler(sessions *engine.Registry, logger *zap.Logger) *BraidHandler {
	return &BraidHandler{sessions: sessions, logger: logger}
}

type postMessageRequest struct {
	Message string `json:"message"`
}

type postMessageResponse struct {
	ResponseText     string            `json:"response_text"`
	ThoughtNarrative string            `json:"thought_narrative"`
	Trace            *engine.TurnTrace `json:"trace"`
}

// PostMessage runs one full turn for the braid in the URL.
func (h *BraidHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	braidID := chi.URLParam(r, "braidID")
	if braidID == "" {
		writeError(w, http.StatusBadRequest, "braid id is required")
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.sessions.HandleUserMessage(r.Context(), braidID, req.Message)
	if err != nil {
		if errors.Is(err, engine.ErrSessionClosed) {
			writeError(w, http.StatusConflict, "braid session closed")
			return
		}
		h.logger.Error("turn failed", zap.String("braid_id", braidID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "turn failed")
		return
	}

	writeJSON(w, http.StatusOK, postMessageResponse{
		ResponseText:     result.ResponseText,
		ThoughtNarrative: result.ThoughtNarrative,
		Trace:            result.Trace,
	})
}

// GetTrace returns the braid's last committed turn trace.
func (h *BraidHandler) GetTrace(w http.ResponseWriter, r *http.Request) {
	braidID := chi.URLParam(r, "braidID")
	if braidID == "" {
		writeError(w, http.StatusBadRequest, "braid id is required")
		return
	}

	trace := h.sessions.LastTrace(braidID)
	if trace == nil {
		writeError(w, http.StatusNotFound, "no trace for braid")
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// CloseSession shuts down the braid's session and its background workers.
func (h *BraidHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	braidID := chi.URLParam(r, "braidID")
	if braidID == "" {
		writeError(w, http.StatusBadRequest, "braid id is required")
		return
	}

	if !h.sessions.Close(braidID) {
		writeError(w, http.StatusNotFound, "no session for braid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
