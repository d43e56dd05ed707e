// Package agent orchestrates retrieval-augmented answers: retrieve
// relevant chunks, assemble a grounded prompt, generate, and attribute
// sources.
//
// The agent is stateless per request. Conversation history is passed
// in by the caller and never persisted here.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/llm"
	"github.com/docfold/docfold/internal/log"
)

var (
	// ErrEmptyQuestion indicates the question text was empty.
	ErrEmptyQuestion = errors.New("empty question")

	// ErrRetrieval indicates retrieval failed. The agent never answers
	// without knowing what the knowledge base holds, so this is
	// terminal for the request.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrGeneration indicates the model failed after retries.
	ErrGeneration = errors.New("generation failed")
)

// State labels the phase a request is in. Used for logging; requests
// hold no cross-call state.
type State string

const (
	StateIdle       State = "idle"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Question is one request to the agent.
type Question struct {
	Text       string
	TenantTags []string
	History    []*ai.Message // prior conversation turns, optional
	TopK       int           // 0 uses the retriever default
}

// Source attributes part of an answer to an indexed chunk.
type Source struct {
	DocumentID string  `json:"document_id"`
	FilePath   string  `json:"file_path"`
	Heading    string  `json:"heading,omitempty"`
	Score      float64 `json:"score"`
}

// Answer is a generated response with the sources that grounded it.
// Sources come only from the retrieval results placed into the prompt;
// an answer generated without context has none.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Retriever finds chunks relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, tenantTags []string, topK int) ([]index.Result, error)
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// systemPrompt pins the model to the retrieved context. Bracket tags
// stay out of the answer text; attribution travels in Answer.Sources.
const systemPrompt = `You are a documentation assistant. Answer questions using ONLY the provided context from the documentation.

Rules:
- Base your answer strictly on the context. If the context does not contain the answer, say so plainly instead of guessing.
- Do NOT include source tags like [Source 1] in your answer text. Sources are reported separately.
- Be concise and technical. Preserve code blocks and commands exactly as they appear in the context.
- If the context states that no matching documentation was found, tell the user the documentation does not cover their question.`

// noContextNotice is injected when retrieval returns nothing.
const noContextNotice = "No matching documentation was found for this question."

// Agent answers questions over the indexed documentation.
type Agent struct {
	retriever Retriever
	generator Generator
	logger    log.Logger
}

// New creates an Agent.
func New(retriever Retriever, generator Generator, logger log.Logger) *Agent {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Agent{retriever: retriever, generator: generator, logger: logger}
}

// Ask answers a question against the tenant-scoped knowledge base.
//
// Empty retrieval is not an error: the agent still generates, with the
// prompt stating that nothing matched, and returns empty Sources. A
// retrieval failure, by contrast, is terminal.
func (a *Agent) Ask(ctx context.Context, q Question) (*Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuestion
	}

	logger := a.logger.With("tenant_tags", q.TenantTags)
	logger.Debug("question received", "state", StateRetrieving)

	results, err := a.retriever.Retrieve(ctx, q.Text, q.TenantTags, q.TopK)
	if err != nil {
		logger.Error("retrieval failed", "state", StateFailed, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	logger.Debug("context retrieved", "state", StateGenerating, "results", len(results))

	messages := make([]*ai.Message, 0, len(q.History)+1)
	messages = append(messages, q.History...)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(buildUserPrompt(q.Text, results))))

	text, err := a.generator.Generate(ctx, llm.Request{
		System:   systemPrompt,
		Messages: messages,
	})
	if err != nil {
		logger.Error("generation failed", "state", StateFailed, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	answer := &Answer{Text: text, Sources: buildSources(results)}
	logger.Info("question answered",
		"state", StateCompleted,
		"sources", len(answer.Sources),
		"answer_length", len(answer.Text))
	return answer, nil
}

// buildUserPrompt assembles the context block and the question. Each
// chunk is tagged [Source N: filename#anchor] so the model can tell
// the documents apart without inventing references.
func buildUserPrompt(question string, results []index.Result) string {
	var sb strings.Builder
	sb.WriteString("Context from the documentation:\n\n")
	if len(results) == 0 {
		sb.WriteString(noContextNotice)
		sb.WriteString("\n")
	}
	for i, r := range results {
		fmt.Fprintf(&sb, "[Source %d: %s]\n%s\n\n", i+1, sourceLabel(r.Record), r.Record.Text)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func sourceLabel(r index.Record) string {
	name := r.Source.FileName
	if name == "" {
		name = r.Source.FilePath
	}
	if name == "" {
		name = r.Source.DocumentID
	}
	if r.Heading != "" {
		return name + "#" + r.Heading
	}
	return name
}

// buildSources maps retrieval results to answer sources, deduplicated
// by (document, heading). Results arrive ranked best-first with a
// deterministic tie-break, and dedup keeps the first occurrence, so
// source order matches relevance.
func buildSources(results []index.Result) []Source {
	sources := make([]Source, 0, len(results))
	seen := make(map[string]struct{}, len(results))

	for _, r := range results {
		key := r.Record.Source.DocumentID + "\x00" + r.Record.Heading
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sources = append(sources, Source{
			DocumentID: r.Record.Source.DocumentID,
			FilePath:   r.Record.Source.FilePath,
			Heading:    r.Record.Heading,
			Score:      r.Score,
		})
	}
	return sources
}
