package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/knoguchi/docrag/internal/extractor"
)

const (
	// DefaultChunkSize is the maximum passage length in characters.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is how many characters a passage repeats from its predecessor.
	DefaultChunkOverlap = 200
)

// Chunk is a passage of page text.
type Chunk struct {
	Content string
	Index   int // ordinal within the document
	Page    int // 1-based source page
	Offset  int // rune offset of Content within the page text
}

// ChunkerConfig holds chunking configuration.
type ChunkerConfig struct {
	Size    int `json:"size" yaml:"size"`       // max characters per chunk
	Overlap int `json:"overlap" yaml:"overlap"` // characters shared with the previous chunk
}

// DefaultChunkerConfig returns the default chunker configuration.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		Size:    DefaultChunkSize,
		Overlap: DefaultChunkOverlap,
	}
}

// Validate checks the chunker configuration.
func (c ChunkerConfig) Validate() error {
	if c.Size <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.Overlap < 0 {
		return errors.New("chunk overlap cannot be negative")
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)", c.Overlap, c.Size)
	}
	return nil
}

// Chunker splits page text into overlapping passages.
//
// Passages never cross a page boundary, so every passage maps to exactly one
// source page. Within a page, passage i+1 starts Overlap characters before the
// end of passage i. Cut points prefer a paragraph break, then a line break,
// then a sentence end, then a space, and fall back to a hard cut at Size.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker. Zero values fall back to the defaults.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.Size <= 0 {
		config.Size = DefaultChunkSize
	}
	if config.Overlap < 0 || config.Overlap >= config.Size {
		config.Overlap = min(DefaultChunkOverlap, config.Size/5)
	}
	return &Chunker{config: config}
}

// Config returns the effective configuration.
func (c *Chunker) Config() ChunkerConfig {
	return c.config
}

// Chunk splits pages into passages. Empty or whitespace-only input yields nil.
func (c *Chunker) Chunk(pages []extractor.Page) []Chunk {
	var chunks []Chunk
	for _, page := range pages {
		for _, span := range c.split(page.Text) {
			chunks = append(chunks, Chunk{
				Content: span.text,
				Index:   len(chunks),
				Page:    page.Number,
				Offset:  span.start,
			})
		}
	}
	return chunks
}

type span struct {
	text  string
	start int
}

// split cuts one page into spans. Each span is at most Size runes long.
func (c *Chunker) split(text string) []span {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	size, overlap := c.config.Size, c.config.Overlap

	var spans []span
	start := 0
	for {
		end := min(start+size, n)
		if end < n {
			// the cut must leave the next span room to advance past the overlap
			floor := start + max(overlap+1, size/2)
			end = findBoundary(runes, floor, end)
		}

		spans = append(spans, span{text: string(runes[start:end]), start: start})
		if end >= n {
			break
		}
		start = end - overlap
	}
	return spans
}

// ============================================================================
// Boundary detection
// ============================================================================

// findBoundary returns the best cut position in [floor, limit]. The cut is
// placed just after the separator so the separator stays with the earlier span.
func findBoundary(runes []rune, floor, limit int) int {
	if floor >= limit {
		return limit
	}

	// paragraph, then line
	for _, sep := range []string{"\n\n", "\n"} {
		if pos := lastSeparator(runes, floor, limit, []rune(sep)); pos > 0 {
			return pos
		}
	}
	if pos := lastSentenceEnd(runes, floor, limit); pos > 0 {
		return pos
	}
	if pos := lastSeparator(runes, floor, limit, []rune(" ")); pos > 0 {
		return pos
	}
	return limit
}

// lastSeparator finds the last occurrence of sep whose end lies in [floor, limit].
// It returns the position after the separator, or -1.
func lastSeparator(runes []rune, floor, limit int, sep []rune) int {
	for end := limit; end >= floor; end-- {
		begin := end - len(sep)
		if begin < 0 {
			break
		}
		if runesEqual(runes[begin:end], sep) {
			return end
		}
	}
	return -1
}

// lastSentenceEnd finds the last ". ", "! " or "? " (or the same followed by a
// tab) ending in [floor, limit], skipping common abbreviations.
func lastSentenceEnd(runes []rune, floor, limit int) int {
	for end := limit; end >= floor; end-- {
		if end < 2 {
			break
		}
		punct, space := runes[end-2], runes[end-1]
		if !unicode.IsSpace(space) {
			continue
		}
		switch punct {
		case '!', '?':
			return end
		case '.':
			if !isAbbreviation(string(runes[max(0, end-8) : end-1])) {
				return end
			}
		}
	}
	return -1
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isAbbreviation checks if text ends with a common abbreviation
func isAbbreviation(text string) bool {
	// Common abbreviations that shouldn't end sentences
	abbreviations := []string{
		"mr.", "mrs.", "ms.", "dr.", "prof.",
		"inc.", "ltd.", "corp.",
		"etc.", "e.g.", "i.e.",
		"vs.", "v.",
		"st.", "ave.", "blvd.",
		"no.", "vol.", "pg.",
	}

	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if !strings.HasSuffix(lower, abbr) {
			continue
		}
		// "v." must be a whole word, not the tail of "dev."
		head := lower[:len(lower)-len(abbr)]
		if head == "" || !isWordRune(lastRune(head)) {
			return true
		}
	}
	return false
}

func lastRune(s string) rune {
	r := []rune(s)
	return r[len(r)-1]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
