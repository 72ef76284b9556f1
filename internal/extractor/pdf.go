package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command, folding stderr into the returned error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// PDFExtractor extracts per-page text using poppler's pdftotext.
type PDFExtractor struct {
	runner CommandRunner
	binary string
}

// PDFOption configures a PDFExtractor.
type PDFOption func(*PDFExtractor)

// WithPDFToText overrides the pdftotext binary path.
func WithPDFToText(binary string) PDFOption {
	return func(e *PDFExtractor) {
		e.binary = binary
	}
}

// NewPDFExtractor creates a PDF extractor that shells out through runner.
func NewPDFExtractor(runner CommandRunner, opts ...PDFOption) *PDFExtractor {
	e := &PDFExtractor{
		runner: runner,
		binary: "pdftotext",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns one Page per PDF page. pdftotext separates pages with a form feed.
func (e *PDFExtractor) Extract(ctx context.Context, path string) ([]Page, error) {
	out, err := e.runner.Run(ctx, e.binary, "-enc", "UTF-8", path, "-")
	if err != nil {
		return nil, fmt.Errorf("failed to run pdftotext: %w", err)
	}
	return splitPages(string(out)), nil
}

func splitPages(text string) []Page {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\f")
	// pdftotext terminates every page, including the last, with a form feed
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}

	pages := make([]Page, len(parts))
	for i, part := range parts {
		pages[i] = Page{Number: i + 1, Text: strings.TrimSpace(part)}
	}
	return pages
}
