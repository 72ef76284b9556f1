package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knoguchi/docrag/internal/extractor"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/knoguchi/docrag/internal/vectorstore"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestNamespaceCommand(t *testing.T) {
	out, err := execute(t, "namespace", "jane@example.com")
	if err != nil {
		t.Fatalf("namespace failed: %v", err)
	}
	want, _ := vectorstore.Namespace("jane@example.com")
	if strings.TrimSpace(out) != want {
		t.Errorf("expected %s, got %q", want, out)
	}

	if _, err := execute(t, "namespace", "   "); err == nil {
		t.Error("expected error for a blank identity")
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "jane@example.com")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Errorf("expected a JWT, got %q", out)
	}
}

func TestExpandPatterns(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.txt":             "alpha",
		"nested/b.md":       "beta",
		"nested/c.exe":      "binary",
		"nested/deep/d.txt": "delta",
	})
	registry := extractor.NewRegistry()

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{name: "recursive", patterns: []string{filepath.Join(dir, "**", "*")}, want: []string{"a.txt", "nested/b.md", "nested/deep/d.txt"}},
		{name: "single level", patterns: []string{filepath.Join(dir, "*.txt")}, want: []string{"a.txt"}},
		{name: "overlapping patterns", patterns: []string{filepath.Join(dir, "*.txt"), filepath.Join(dir, "**", "*.txt")}, want: []string{"a.txt", "nested/deep/d.txt"}},
		{name: "unsupported only", patterns: []string{filepath.Join(dir, "**", "*.exe")}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandPatterns(tt.patterns, registry)
			if err != nil {
				t.Fatalf("expandPatterns failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d files, got %v", len(tt.want), got)
			}
			for i, rel := range tt.want {
				if want := filepath.Join(dir, filepath.FromSlash(rel)); got[i] != want {
					t.Errorf("file %d: expected %s, got %s", i, want, got[i])
				}
			}
		})
	}
}

func TestExtractFiles(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"notes.txt": strings.Repeat("Annual leave accrues monthly. ", 10),
		"empty.txt": "   ",
	})
	files := []string{filepath.Join(dir, "empty.txt"), filepath.Join(dir, "notes.txt")}
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{Size: 120, Overlap: 20})

	calls := 0
	results := extractFiles(context.Background(), extractor.NewRegistry(), chunker, files, func() { calls++ })
	if calls != len(files) {
		t.Errorf("expected %d progress calls, got %d", len(files), calls)
	}

	if results[0].Err == nil {
		t.Error("expected an error for a file without text")
	}
	if r := results[1]; r.Err != nil || r.Pages != 1 || r.Chunks < 2 {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestExtractCommand(t *testing.T) {
	dir := writeFiles(t, map[string]string{"notes.txt": "Send billing questions to the finance team."})

	out, err := execute(t, "extract", filepath.Join(dir, "*.txt"))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !strings.Contains(out, "notes.txt") {
		t.Errorf("expected file in report, got %q", out)
	}

	if _, err := execute(t, "extract", filepath.Join(dir, "*.pdf")); err == nil {
		t.Error("expected error when nothing matches")
	}
}

func TestSearchRequiresToken(t *testing.T) {
	token = ""
	t.Setenv("DOCRAG_TOKEN", "")
	if _, err := execute(t, "search", "contact email", "--token", ""); err == nil {
		t.Error("expected error without a token")
	}
}
