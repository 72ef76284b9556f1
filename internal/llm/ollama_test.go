package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaClient_Generate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Model: got.Model, Response: "jane@example.com", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("qwen2.5"))
	out, err := c.Generate(context.Background(), "What is the contact email?", GenerateOptions{
		SystemPrompt: "Answer from context.",
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "jane@example.com" {
		t.Errorf("unexpected response %q", out)
	}

	if got.Model != "qwen2.5" {
		t.Errorf("expected client default model, got %s", got.Model)
	}
	if got.Stream {
		t.Error("expected non-streaming request")
	}
	if got.System != "Answer from context." {
		t.Errorf("system prompt not forwarded: %q", got.System)
	}
	if temp, ok := got.Options["temperature"]; !ok || temp.(float64) != 0 {
		t.Errorf("expected explicit zero temperature, got %v", got.Options["temperature"])
	}
	if got.Options["num_predict"].(float64) != 64 {
		t.Errorf("expected num_predict 64, got %v", got.Options["num_predict"])
	}
}

func TestOllamaClient_GenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL))
	if _, err := c.Generate(context.Background(), "hi", GenerateOptions{Model: "missing"}); err == nil {
		t.Fatal("expected error")
	}
}
