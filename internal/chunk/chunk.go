// Package chunk splits documents into ordered, embeddable chunks.
//
// Markdown and plain text are split on structural boundaries (headings,
// paragraph breaks) and packed up to a size cap; record formats (CSV,
// YAML, JSON) are split on logical record boundaries so a row or
// top-level entry is never cut in half. Each markdown chunk carries the
// GitHub-style anchor of the nearest preceding H1-H3 heading so answers
// can deep-link into the source document.
package chunk

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docfold/docfold/internal/log"
)

// ErrUnparsable indicates a document produced no usable chunks
// (empty or whitespace-only content). Callers indexing many documents
// should record it per document rather than abort the batch.
var ErrUnparsable = errors.New("document cannot be parsed")

// Format identifies how a document's content is structured.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
)

// FormatFromPath infers the document format from a file extension.
// Unknown extensions fall back to plain text.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return FormatMarkdown
	case ".csv":
		return FormatCSV
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatText
	}
}

// Chunk is one ordered piece of a document.
type Chunk struct {
	// Ordinal is the 0-based position within the source document.
	// Ordinals are contiguous: chunks[i].Ordinal == i.
	Ordinal int

	// Text is the chunk content, never empty.
	Text string

	// Heading is the GitHub-style anchor of the nearest preceding
	// H1-H3 heading; "" when no heading precedes the chunk
	// (always "" for non-markdown formats).
	Heading string

	// Start and End are byte offsets into the source document after
	// line endings are normalized to LF.
	Start int
	End   int
}

// Options configures a Chunker. Zero values take defaults.
type Options struct {
	// MaxChars caps chunk size. Default 2000 (~512 tokens).
	MaxChars int

	// OverlapChars is the overlap between consecutive windows when an
	// oversized block must be split mid-text. Default 200.
	OverlapChars int

	// HeadingDepth is the deepest heading level used for anchors.
	// Default 3 (H1-H3).
	HeadingDepth int
}

func (o Options) withDefaults() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = 2000
	}
	if o.OverlapChars < 0 || o.OverlapChars >= o.MaxChars {
		o.OverlapChars = 200
		if o.OverlapChars >= o.MaxChars {
			o.OverlapChars = o.MaxChars / 10
		}
	}
	if o.HeadingDepth <= 0 || o.HeadingDepth > 3 {
		o.HeadingDepth = 3
	}
	return o
}

// Chunker splits document content into chunks. Safe for concurrent use.
type Chunker struct {
	opts   Options
	logger log.Logger
}

// New creates a Chunker with the given options.
func New(opts Options, logger log.Logger) *Chunker {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Chunker{opts: opts.withDefaults(), logger: logger}
}

// Chunk splits text according to its format.
// Returns ErrUnparsable when the content yields no chunks.
func (c *Chunker) Chunk(text string, format Format) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrUnparsable)
	}

	// Normalize CRLF and lone CR up front so every offset downstream
	// indexes the same text.
	text = normalizeNewlines(text)

	var chunks []Chunk
	switch format {
	case FormatCSV:
		chunks = c.chunkCSV(text)
	case FormatYAML, FormatJSON:
		chunks = c.chunkRecords(text)
	case FormatMarkdown:
		chunks = c.chunkProse(text, true)
	default:
		chunks = c.chunkProse(text, false)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced", ErrUnparsable)
	}

	for i := range chunks {
		chunks[i].Ordinal = i
	}
	c.logger.Debug("document chunked", "format", format, "chunks", len(chunks))
	return chunks, nil
}

// block is a structural unit of prose: a heading line or a run of
// consecutive non-blank lines.
type block struct {
	start int // byte offset of the first line
	end   int // byte offset past the last line (excluding the newline)
	text  string
}

// line is a raw document line with its byte offset.
type line struct {
	offset int
	text   string
}

func normalizeNewlines(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// splitLines assumes line endings are already normalized to LF.
func splitLines(text string) []line {
	raw := strings.Split(text, "\n")
	lines := make([]line, len(raw))
	offset := 0
	for i, l := range raw {
		lines[i] = line{offset: offset, text: l}
		offset += len(l) + 1
	}
	return lines
}

// splitBlocks groups lines into blocks. Blank lines separate blocks;
// in markdown a heading line always starts its own block so a chunk
// boundary can fall right before it.
func splitBlocks(text string, markdown bool) []block {
	var blocks []block
	var cur []line

	flush := func() {
		if len(cur) == 0 {
			return
		}
		parts := make([]string, len(cur))
		for i, l := range cur {
			parts[i] = l.text
		}
		last := cur[len(cur)-1]
		blocks = append(blocks, block{
			start: cur[0].offset,
			end:   last.offset + len(last.text),
			text:  strings.Join(parts, "\n"),
		})
		cur = cur[:0]
	}

	for _, l := range splitLines(text) {
		if strings.TrimSpace(l.text) == "" {
			flush()
			continue
		}
		if markdown && strings.HasPrefix(l.text, "#") {
			flush()
		}
		cur = append(cur, l)
	}
	flush()
	return blocks
}

func (c *Chunker) chunkProse(text string, markdown bool) []Chunk {
	var headings []Heading
	if markdown {
		headings = ExtractHeadings(text, c.opts.HeadingDepth)
	}

	var chunks []Chunk
	var cur []block
	curLen := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		parts := make([]string, len(cur))
		for i, b := range cur {
			parts[i] = b.text
		}
		chunks = append(chunks, Chunk{
			Text:  strings.Join(parts, "\n\n"),
			Start: cur[0].start,
			End:   cur[len(cur)-1].end,
		})
		cur = cur[:0]
		curLen = 0
	}

	for _, b := range splitBlocks(text, markdown) {
		if len(b.text) > c.opts.MaxChars {
			flush()
			chunks = append(chunks, c.window(b)...)
			continue
		}
		// +2 for the joining blank line
		if curLen > 0 && curLen+2+len(b.text) > c.opts.MaxChars {
			flush()
		}
		cur = append(cur, b)
		curLen += len(b.text)
		if len(cur) > 1 {
			curLen += 2
		}
	}
	flush()

	for i := range chunks {
		chunks[i].Heading = NearestHeading(headings, chunks[i].Start)
	}
	return chunks
}

// window splits an oversized block into fixed windows with overlap.
// Window offsets stay anchored to the source document so heading
// resolution keeps working.
func (c *Chunker) window(b block) []Chunk {
	step := c.opts.MaxChars - c.opts.OverlapChars
	var chunks []Chunk
	for start := 0; start < len(b.text); start += step {
		end := min(start+c.opts.MaxChars, len(b.text))
		window := strings.TrimSpace(b.text[start:end])
		if window != "" {
			chunks = append(chunks, Chunk{
				Text:  window,
				Start: b.start + start,
				End:   b.start + end,
			})
		}
		if end == len(b.text) {
			break
		}
	}
	return chunks
}

// chunkCSV groups data rows up to the size cap, repeating the header
// row in every chunk so each chunk is independently interpretable.
// Rows are never split mid-record, so chunks may exceed MaxChars by
// one row.
func (c *Chunker) chunkCSV(text string) []Chunk {
	lines := splitLines(text)

	// First non-blank line is the header.
	header := ""
	rows := lines
	for i, l := range lines {
		if strings.TrimSpace(l.text) != "" {
			header = l.text
			rows = lines[i+1:]
			break
		}
	}
	if header == "" {
		return nil
	}

	var chunks []Chunk
	var cur []line
	curLen := len(header)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		parts := make([]string, 0, len(cur)+1)
		parts = append(parts, header)
		for _, l := range cur {
			parts = append(parts, l.text)
		}
		last := cur[len(cur)-1]
		chunks = append(chunks, Chunk{
			Text:  strings.Join(parts, "\n"),
			Start: cur[0].offset,
			End:   last.offset + len(last.text),
		})
		cur = cur[:0]
		curLen = len(header)
	}

	for _, l := range rows {
		if strings.TrimSpace(l.text) == "" {
			continue
		}
		if len(cur) > 0 && curLen+1+len(l.text) > c.opts.MaxChars {
			flush()
		}
		cur = append(cur, l)
		curLen += 1 + len(l.text)
	}
	flush()

	// Header-only file: emit the header itself as a single chunk.
	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Text: header, Start: 0, End: len(header)})
	}
	return chunks
}

// chunkRecords splits YAML/JSON-like content at top-level entries:
// a non-blank line with no leading whitespace starts a new record.
// Records are grouped to the size cap; an oversized record is windowed.
func (c *Chunker) chunkRecords(text string) []Chunk {
	var records []block
	var cur []line

	flush := func() {
		if len(cur) == 0 {
			return
		}
		parts := make([]string, len(cur))
		for i, l := range cur {
			parts[i] = l.text
		}
		last := cur[len(cur)-1]
		records = append(records, block{
			start: cur[0].offset,
			end:   last.offset + len(last.text),
			text:  strings.Join(parts, "\n"),
		})
		cur = cur[:0]
	}

	for _, l := range splitLines(text) {
		if strings.TrimSpace(l.text) == "" {
			continue
		}
		topLevel := l.text[0] != ' ' && l.text[0] != '\t'
		if topLevel && len(cur) > 0 {
			flush()
		}
		cur = append(cur, l)
	}
	flush()

	var chunks []Chunk
	var group []block
	groupLen := 0

	flushGroup := func() {
		if len(group) == 0 {
			return
		}
		parts := make([]string, len(group))
		for i, r := range group {
			parts[i] = r.text
		}
		chunks = append(chunks, Chunk{
			Text:  strings.Join(parts, "\n"),
			Start: group[0].start,
			End:   group[len(group)-1].end,
		})
		group = group[:0]
		groupLen = 0
	}

	for _, r := range records {
		if len(r.text) > c.opts.MaxChars {
			flushGroup()
			chunks = append(chunks, c.window(r)...)
			continue
		}
		if groupLen > 0 && groupLen+1+len(r.text) > c.opts.MaxChars {
			flushGroup()
		}
		group = append(group, r)
		groupLen += len(r.text)
		if len(group) > 1 {
			groupLen++
		}
	}
	flushGroup()
	return chunks
}
