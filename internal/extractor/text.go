package extractor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextExtractor reads plain text and markdown files as a single page.
type TextExtractor struct{}

// NewTextExtractor creates a text extractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Extract decodes the file to UTF-8 and normalizes line endings.
func (e *TextExtractor) Extract(_ context.Context, path string) ([]Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	text, err := decodeText(raw)
	if err != nil {
		return nil, err
	}
	return []Page{{Number: 1, Text: strings.TrimSpace(text)}}, nil
}

// decodeText converts raw bytes to a UTF-8 string. A BOM always wins; otherwise
// valid UTF-8 is kept as is and anything else is sniffed (windows-1252 fallback).
func decodeText(raw []byte) (string, error) {
	fallback := unicode.UTF8.NewDecoder()
	if !utf8.Valid(raw) {
		enc, _, _ := charset.DetermineEncoding(raw, "text/plain")
		fallback = enc.NewDecoder()
	}

	decoded, _, err := transform.Bytes(unicode.BOMOverride(fallback), raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode text: %w", err)
	}

	text := strings.ReplaceAll(string(decoded), "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n"), nil
}
