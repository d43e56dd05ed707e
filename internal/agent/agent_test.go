package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/llm"
	"github.com/docfold/docfold/internal/log"
)

// ============================================================
// Mocks
// ============================================================

type mockRetriever struct {
	callCount int
	lastQuery string
	lastTags  []string
	lastTopK  int
	results   []index.Result
	err       error
}

func (m *mockRetriever) Retrieve(_ context.Context, query string, tenantTags []string, topK int) ([]index.Result, error) {
	m.callCount++
	m.lastQuery = query
	m.lastTags = tenantTags
	m.lastTopK = topK
	return m.results, m.err
}

type mockGenerator struct {
	callCount int
	lastReq   llm.Request
	response  string
	err       error
}

func (m *mockGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	m.callCount++
	m.lastReq = req
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func result(docID, path, heading, text string, ordinal int, score float64) index.Result {
	return index.Result{
		Record: index.Record{
			ID:      docID + "-" + heading,
			Ordinal: ordinal,
			Text:    text,
			Heading: heading,
			Source:  index.Source{DocumentID: docID, FilePath: path, FileName: path},
		},
		Score: score,
	}
}

func userText(req llm.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	last := req.Messages[len(req.Messages)-1]
	var sb strings.Builder
	for _, p := range last.Content {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// ============================================================
// Ask
// ============================================================

func TestAsk_HappyPath(t *testing.T) {
	retr := &mockRetriever{results: []index.Result{
		result("guide", "guide.md", "setup", "Run the installer.", 0, 0.95),
		result("faq", "faq.md", "", "See the FAQ.", 3, 0.80),
	}}
	gen := &mockGenerator{response: "Run the installer to set things up."}
	a := New(retr, gen, log.NewNop())

	answer, err := a.Ask(context.Background(), Question{
		Text:       "how do I set up?",
		TenantTags: []string{"docs"},
		TopK:       4,
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if answer.Text != "Run the installer to set things up." {
		t.Errorf("answer text = %q", answer.Text)
	}
	if retr.lastQuery != "how do I set up?" || retr.lastTopK != 4 {
		t.Errorf("retriever got query=%q topK=%d", retr.lastQuery, retr.lastTopK)
	}

	if len(answer.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(answer.Sources))
	}
	if answer.Sources[0].DocumentID != "guide" || answer.Sources[0].Heading != "setup" {
		t.Errorf("sources[0] = %+v", answer.Sources[0])
	}
	if answer.Sources[0].Score < answer.Sources[1].Score {
		t.Errorf("sources not ordered by score: %+v", answer.Sources)
	}
}

func TestAsk_PromptContainsTaggedContext(t *testing.T) {
	retr := &mockRetriever{results: []index.Result{
		result("guide", "guide.md", "setup", "Run the installer.", 0, 0.95),
		result("faq", "faq.md", "", "See the FAQ.", 0, 0.80),
	}}
	gen := &mockGenerator{response: "ok"}
	a := New(retr, gen, log.NewNop())

	if _, err := a.Ask(context.Background(), Question{Text: "q", TenantTags: []string{"docs"}}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	prompt := userText(gen.lastReq)
	if !strings.Contains(prompt, "[Source 1: guide.md#setup]") {
		t.Errorf("prompt missing tagged source with anchor:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[Source 2: faq.md]") {
		t.Errorf("prompt missing heading-less source tag:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Run the installer.") {
		t.Errorf("prompt missing chunk text:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Question: q") {
		t.Errorf("prompt missing question:\n%s", prompt)
	}
	if gen.lastReq.System == "" {
		t.Error("system prompt not set")
	}
}

func TestAsk_EmptyRetrievalStillGenerates(t *testing.T) {
	retr := &mockRetriever{} // no results
	gen := &mockGenerator{response: "The documentation does not cover that."}
	a := New(retr, gen, log.NewNop())

	answer, err := a.Ask(context.Background(), Question{Text: "obscure", TenantTags: []string{"docs"}})
	if err != nil {
		t.Fatalf("empty retrieval must not fail the question: %v", err)
	}
	if gen.callCount != 1 {
		t.Fatalf("generator called %d times, want 1", gen.callCount)
	}
	if len(answer.Sources) != 0 {
		t.Errorf("sources = %+v, want none", answer.Sources)
	}
	if !strings.Contains(userText(gen.lastReq), noContextNotice) {
		t.Errorf("prompt missing no-context notice:\n%s", userText(gen.lastReq))
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	retr := &mockRetriever{}
	a := New(retr, &mockGenerator{response: "x"}, log.NewNop())

	for _, q := range []string{"", "  \n\t "} {
		if _, err := a.Ask(context.Background(), Question{Text: q, TenantTags: []string{"docs"}}); !errors.Is(err, ErrEmptyQuestion) {
			t.Errorf("Ask(%q) = %v, want ErrEmptyQuestion", q, err)
		}
	}
	if retr.callCount != 0 {
		t.Errorf("retriever called %d times for empty questions", retr.callCount)
	}
}

func TestAsk_RetrievalFailureIsTerminal(t *testing.T) {
	retr := &mockRetriever{err: index.ErrUnavailable}
	gen := &mockGenerator{response: "should not run"}
	a := New(retr, gen, log.NewNop())

	_, err := a.Ask(context.Background(), Question{Text: "q", TenantTags: []string{"docs"}})
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("error = %v, want ErrRetrieval", err)
	}
	if !errors.Is(err, index.ErrUnavailable) {
		t.Errorf("error = %v, cause not preserved", err)
	}
	if gen.callCount != 0 {
		t.Errorf("generator called %d times after retrieval failure", gen.callCount)
	}
}

func TestAsk_GenerationFailure(t *testing.T) {
	retr := &mockRetriever{results: []index.Result{
		result("guide", "guide.md", "", "text", 0, 0.9),
	}}
	a := New(retr, &mockGenerator{err: llm.ErrUnavailable}, log.NewNop())

	_, err := a.Ask(context.Background(), Question{Text: "q", TenantTags: []string{"docs"}})
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("error = %v, want ErrGeneration", err)
	}
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Errorf("error = %v, cause not preserved", err)
	}
}

func TestAsk_HistoryPrecedesQuestion(t *testing.T) {
	retr := &mockRetriever{}
	gen := &mockGenerator{response: "ok"}
	a := New(retr, gen, log.NewNop())

	history := []*ai.Message{
		ai.NewUserMessage(ai.NewTextPart("earlier question")),
		ai.NewModelMessage(ai.NewTextPart("earlier answer")),
	}
	if _, err := a.Ask(context.Background(), Question{
		Text:       "follow-up",
		TenantTags: []string{"docs"},
		History:    history,
	}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if len(gen.lastReq.Messages) != 3 {
		t.Fatalf("got %d messages, want history + question", len(gen.lastReq.Messages))
	}
	if gen.lastReq.Messages[0] != history[0] || gen.lastReq.Messages[1] != history[1] {
		t.Error("history not passed through in order")
	}
}

// ============================================================
// Source attribution
// ============================================================

func TestBuildSources_DedupesByDocumentAndHeading(t *testing.T) {
	results := []index.Result{
		result("guide", "guide.md", "setup", "part one", 0, 0.95),
		result("guide", "guide.md", "setup", "part two", 1, 0.90), // same section
		result("guide", "guide.md", "usage", "other section", 5, 0.85),
		result("faq", "faq.md", "setup", "different doc", 0, 0.80),
	}

	sources := buildSources(results)
	if len(sources) != 3 {
		t.Fatalf("got %d sources, want 3 (duplicate section collapsed): %+v", len(sources), sources)
	}

	// First occurrence (best score) wins for the deduped section
	if sources[0].Heading != "setup" || sources[0].Score != 0.95 {
		t.Errorf("sources[0] = %+v, want best-scoring setup chunk", sources[0])
	}
	for i := 1; i < len(sources); i++ {
		if sources[i].Score > sources[i-1].Score {
			t.Errorf("sources out of order at %d: %+v", i, sources)
		}
	}
}

func TestSourceLabel_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		rec  index.Record
		want string
	}{
		{
			"filename with heading",
			index.Record{Heading: "setup", Source: index.Source{FileName: "guide.md", FilePath: "docs/guide.md"}},
			"guide.md#setup",
		},
		{
			"path when no filename",
			index.Record{Source: index.Source{FilePath: "docs/guide.md"}},
			"docs/guide.md",
		},
		{
			"document id when nothing else",
			index.Record{Source: index.Source{DocumentID: "guide"}},
			"guide",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sourceLabel(tt.rec); got != tt.want {
				t.Errorf("sourceLabel = %q, want %q", got, tt.want)
			}
		})
	}
}
