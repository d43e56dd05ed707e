package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/docfold/docfold/internal/chunk"
	"github.com/docfold/docfold/internal/log"
	"github.com/docfold/docfold/internal/pipeline"
)

// maxDocumentsBody caps an indexing request at 32 MiB.
const maxDocumentsBody = 32 << 20

// Indexer runs documents through the indexing pipeline.
type Indexer interface {
	IndexAll(ctx context.Context, docs []pipeline.Document) ([]*pipeline.Report, error)
}

// DocumentsHandler handles POST /api/documents.
type DocumentsHandler struct {
	pipeline Indexer
	logger   log.Logger
}

// NewDocumentsHandler creates a documents handler.
func NewDocumentsHandler(p Indexer, logger log.Logger) *DocumentsHandler {
	return &DocumentsHandler{pipeline: p, logger: logger}
}

// RegisterRoutes registers the documents route on the given mux.
func (h *DocumentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents", h.index)
}

// DocumentPayload is one document in an indexing request. Format is
// optional; when empty it is inferred from the file path.
type DocumentPayload struct {
	ID         string   `json:"id"`
	TenantTags []string `json:"tenant_tags"`
	Content    string   `json:"content"`
	FilePath   string   `json:"file_path,omitempty"`
	Format     string   `json:"format,omitempty"`
}

// IndexRequest is the request body for POST /api/documents.
type IndexRequest struct {
	Documents []DocumentPayload `json:"documents"`
}

// ReportPayload is the per-document indexing outcome.
type ReportPayload struct {
	DocumentID       string   `json:"document_id"`
	ChunksCreated    int      `json:"chunks_created"`
	ChunksEmbedded   int      `json:"chunks_embedded"`
	ChunksFailed     int      `json:"chunks_failed"`
	PartiallyIndexed bool     `json:"partially_indexed"`
	Errors           []string `json:"errors,omitempty"`
}

// IndexResponse is the response body for POST /api/documents.
type IndexResponse struct {
	Reports []ReportPayload `json:"reports"`
}

func (h *DocumentsHandler) index(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentsBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "no_documents", "documents must not be empty")
		return
	}

	docs := make([]pipeline.Document, len(req.Documents))
	for i, d := range req.Documents {
		format := chunk.Format(d.Format)
		if d.Format == "" {
			format = chunk.FormatFromPath(d.FilePath)
		}
		docs[i] = pipeline.Document{
			ID:         d.ID,
			TenantTags: d.TenantTags,
			Content:    d.Content,
			FilePath:   d.FilePath,
			Format:     format,
		}
	}

	reports, err := h.pipeline.IndexAll(r.Context(), docs)
	if err != nil {
		// IndexAll errors only on cancellation; per-document failures
		// live in the reports.
		h.logger.Error("indexing aborted", "error", err)
		writeError(w, http.StatusInternalServerError, "indexing_aborted", err.Error())
		return
	}

	resp := IndexResponse{Reports: make([]ReportPayload, len(reports))}
	for i, rep := range reports {
		resp.Reports[i] = toReportPayload(rep)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toReportPayload(rep *pipeline.Report) ReportPayload {
	p := ReportPayload{
		DocumentID:       rep.DocumentID,
		ChunksCreated:    rep.ChunksCreated,
		ChunksEmbedded:   rep.ChunksEmbedded,
		ChunksFailed:     rep.ChunksFailed,
		PartiallyIndexed: rep.PartiallyIndexed,
	}
	for _, ce := range rep.Errs {
		p.Errors = append(p.Errors, ce.Err.Error())
	}
	return p
}
