// Package extractor converts uploaded files into ordered page texts.
//
// The strategy is picked from the file extension. PDFs are read through
// pdftotext, DOCX files are parsed from their OOXML body, and plain text or
// markdown is decoded to UTF-8.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedType is returned when no extractor handles the file extension.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrNoText is returned when a file yields no extractable text, e.g. a scanned PDF.
	ErrNoText = errors.New("no extractable text")
)

// Page is one page or section of extracted text. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Extractor reads a single file format.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]Page, error)
}

// Registry dispatches extraction by file extension.
type Registry struct {
	byExt map[string]Extractor
}

// Option configures a Registry.
type Option func(*Registry)

// WithExtractor registers (or replaces) the extractor for an extension such as ".pdf".
func WithExtractor(ext string, e Extractor) Option {
	return func(r *Registry) {
		r.byExt[normalizeExt(ext)] = e
	}
}

// NewRegistry returns a registry with the default PDF, DOCX, TXT and MD extractors.
func NewRegistry(opts ...Option) *Registry {
	text := NewTextExtractor()
	r := &Registry{
		byExt: map[string]Extractor{
			".pdf":  NewPDFExtractor(ExecRunner{}),
			".docx": NewDOCXExtractor(),
			".txt":  text,
			".md":   text,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Supported reports whether filename has an extension the registry can extract.
func (r *Registry) Supported(filename string) bool {
	_, ok := r.byExt[normalizeExt(filepath.Ext(filename))]
	return ok
}

// Extensions returns the supported extensions in sorted order.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract reads the file at path, using filename to choose the format.
// Blank pages are dropped; page numbers of the remaining pages are preserved.
func (r *Registry) Extract(ctx context.Context, path, filename string) ([]Page, error) {
	ext := normalizeExt(filepath.Ext(filename))
	e, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	pages, err := e.Extract(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", filename, err)
	}

	kept := pages[:0]
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return nil, ErrNoText
	}
	return kept, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
