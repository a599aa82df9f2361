package routing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStore_LoadMissingReturnsDefault(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "routing.json"))

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", cfg.Version, SchemaVersion)
	}
	if !cfg.AccountRouting.SmartSwitch {
		t.Error("default config should enable smart switching")
	}
	if len(cfg.Flows) != 0 {
		t.Errorf("default flows = %d, want none", len(cfg.Flows))
	}
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	store := NewFileStore(path)

	cfg := sampleConfig()
	if err := store.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Flows) != 1 || loaded.Flows[0].Name != "daily-driver" {
		t.Fatalf("flows = %+v", loaded.Flows)
	}
	if len(loaded.Flows[0].Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(loaded.Flows[0].Entries))
	}
	if loaded.ActiveFlowID != "flow-1" {
		t.Errorf("activeFlowId = %q", loaded.ActiveFlowID)
	}
	if !loaded.AccountRouting.SmartSwitch || len(loaded.AccountRouting.Routes) != 1 {
		t.Errorf("accountRouting = %+v", loaded.AccountRouting)
	}
}

func TestFileStore_SaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "routing.json")
	store := NewFileStore(path)

	if err := store.Save(DefaultConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestFileStore_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	doc, _ := json.Marshal(map[string]any{"version": SchemaVersion + 1})
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := NewFileStore(path).Load()
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("err = %v, want schema version rejection", err)
	}
}

func TestFileStore_RejectsMalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := NewFileStore(path).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFileStore_LoadDoesNotPruneStaleRefs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	store := NewFileStore(path)

	cfg := sampleConfig()
	cfg.Flows[0].Entries[0].AccountID = "deleted-account"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Pruning is an explicit operation; a plain load round-trips the
	// stale reference untouched.
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Flows[0].Entries[0].AccountID != "deleted-account" {
		t.Fatal("load must not silently prune stale references")
	}
}
