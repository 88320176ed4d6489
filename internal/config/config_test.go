package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RAG.ChunkSize != DefaultChunkSize || cfg.RAG.TopK != DefaultTopK {
		t.Errorf("unexpected defaults: %+v", cfg.RAG)
	}
	if cfg.VectorStore.Type != "memory" {
		t.Errorf("expected memory store, got %q", cfg.VectorStore.Type)
	}
	if cfg.EmbedLLM.Provider != "ollama" {
		t.Errorf("expected ollama embedder by default, got %q", cfg.EmbedLLM.Provider)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("RAG_TEST_KEY", "secret-token")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
llm:
  provider: openai
  key: ${RAG_TEST_KEY}
  model: some-model
rag:
  chunk_size: 300
  chunk_overlap: 50
  decompose: always
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.Key != "secret-token" {
		t.Errorf("key not expanded: %q", cfg.LLM.Key)
	}
	if cfg.RAG.ChunkSize != 300 || cfg.RAG.ChunkOverlap != 50 {
		t.Errorf("chunking not loaded: %+v", cfg.RAG)
	}
	if cfg.VisionLLM.Model != "some-model" {
		t.Errorf("vision model should inherit llm model, got %q", cfg.VisionLLM.Model)
	}
	if cfg.LLM.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max attempts default not applied: %d", cfg.LLM.MaxAttempts)
	}
}

func TestOverlapClampedBelowChunkSize(t *testing.T) {
	cfg := &Config{RAG: RAGConfig{ChunkSize: 100, ChunkOverlap: 150}}
	applyDefaults(cfg)
	if cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkSize {
		t.Errorf("overlap %d not clamped below size %d", cfg.RAG.ChunkOverlap, cfg.RAG.ChunkSize)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("rag: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}
