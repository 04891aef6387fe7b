package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_PassesValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got %v", err)
	}
}

func TestLoad_OverridesOnlySpecifiedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	yamlDoc := []byte("agg:\n  def_result_batch_bytes: 2048\n  max_result_batch_bytes: 4096\n")
	if err := os.WriteFile(path, yamlDoc, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agg.DefResultBatchBytes != 2048 {
		t.Fatalf("expected overridden agg batch size 2048, got %d", cfg.Agg.DefResultBatchBytes)
	}
	if cfg.Undo.MaxPendingUndoRecords != Default().Undo.MaxPendingUndoRecords {
		t.Fatalf("expected undo config to stay at its default when unspecified")
	}
}

func TestValidate_RejectsInvertedResourceGroupLimits(t *testing.T) {
	cfg := Default()
	cfg.PMM.ResourceGroups = []ResourceGroupConfig{{Name: "bad", Min: 10, Max: 5}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for min > max")
	}
}
