package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML file of retrieval tuning. Fields left out keep the
// environment value; zero is a valid override.
//
//	chunker:
//	  size: 800
//	  overlap: 150
//	retriever:
//	  candidates: 200
//	  alpha: 0.5
//	rerank:
//	  threshold: 0.2
type Profile struct {
	Chunker struct {
		Size    *int `yaml:"size"`
		Overlap *int `yaml:"overlap"`
	} `yaml:"chunker"`
	Retriever struct {
		Candidates  *int     `yaml:"candidates"`
		MaxDistance *float64 `yaml:"max_distance"`
		Alpha       *float64 `yaml:"alpha"`
		K1          *float64 `yaml:"k1"`
		B           *float64 `yaml:"b"`
	} `yaml:"retriever"`
	Rerank struct {
		TopK      *int     `yaml:"top_k"`
		Threshold *float64 `yaml:"threshold"`
	} `yaml:"rerank"`
}

// LoadProfile reads a retrieval profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read retrieval profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a retrieval profile. Unknown keys are an error.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse retrieval profile: %w", err)
	}
	return &p, nil
}

// Apply overrides cfg with every field set in the profile.
func (p *Profile) Apply(cfg *Config) {
	setInt(&cfg.ChunkSize, p.Chunker.Size)
	setInt(&cfg.ChunkOverlap, p.Chunker.Overlap)
	setInt(&cfg.Candidates, p.Retriever.Candidates)
	setFloat(&cfg.MaxDistance, p.Retriever.MaxDistance)
	setFloat(&cfg.Alpha, p.Retriever.Alpha)
	setFloat(&cfg.BM25K1, p.Retriever.K1)
	setFloat(&cfg.BM25B, p.Retriever.B)
	setInt(&cfg.RerankTopK, p.Rerank.TopK)
	setFloat(&cfg.RerankThreshold, p.Rerank.Threshold)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
