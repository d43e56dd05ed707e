package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/docfold/docfold/internal/agent"
	"github.com/docfold/docfold/internal/llm"
	"github.com/docfold/docfold/internal/log"
)

// maxRequestBody caps request body size at 1 MiB.
const maxRequestBody = 1 << 20

// Asker answers questions against the knowledge base.
type Asker interface {
	Ask(ctx context.Context, q agent.Question) (*agent.Answer, error)
}

// AskHandler handles POST /api/ask.
type AskHandler struct {
	agent  Asker
	logger log.Logger
}

// NewAskHandler creates an ask handler.
func NewAskHandler(a Asker, logger log.Logger) *AskHandler {
	return &AskHandler{agent: a, logger: logger}
}

// RegisterRoutes registers the ask route on the given mux.
func (h *AskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ask", h.ask)
}

// AskRequest is the request body for POST /api/ask.
type AskRequest struct {
	Question   string   `json:"question"`
	TenantTags []string `json:"tenant_tags"`
	TopK       int      `json:"top_k,omitempty"`
}

func (h *AskHandler) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	answer, err := h.agent.Ask(r.Context(), agent.Question{
		Text:       req.Question,
		TenantTags: req.TenantTags,
		TopK:       req.TopK,
	})
	if err != nil {
		h.writeAskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

// writeAskError maps agent errors onto HTTP status codes:
// bad input 400, rate limiting 429, index down 503, model down 502.
func (h *AskHandler) writeAskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, "empty_question", "question must not be empty")
	case errors.Is(err, llm.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "model backend is rate limiting, retry later")
	case errors.Is(err, agent.ErrRetrieval):
		h.logger.Error("retrieval failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "retrieval_failed", "knowledge base unavailable")
	case errors.Is(err, agent.ErrGeneration):
		h.logger.Error("generation failed", "error", err)
		writeError(w, http.StatusBadGateway, "generation_failed", "model backend unavailable")
	default:
		h.logger.Error("ask failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
