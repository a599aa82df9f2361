package routing

import (
	"strings"
	"testing"
)

func knownAccounts(ids ...string) func(string) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

func sampleConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Flows: []Flow{
			{
				ID:   "flow-1",
				Name: "daily-driver",
				Entries: []FlowEntry{
					{ID: "e1", Provider: "antigravity", AccountID: "acc-1", ModelID: "gemini-3-pro"},
					{ID: "e2", Provider: "codex", AccountID: AutoAccount, ModelID: "gpt-5.1"},
				},
			},
		},
		AccountRouting: AccountRouting{
			SmartSwitch: true,
			Routes: []AccountRoute{
				{ModelID: "claude-sonnet-4-5", Entries: []RouteEntry{
					{Provider: "claude", AccountID: "acc-2"},
				}},
			},
		},
		ActiveFlowID: "flow-1",
	}
}

func TestValidate_Passes(t *testing.T) {
	cfg := sampleConfig()
	if err := cfg.Validate(knownAccounts("acc-1", "acc-2")); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"unknown account",
			func(c *Config) { c.Flows[0].Entries[0].AccountID = "ghost" },
			"does not reference an existing account",
		},
		{
			"empty account id",
			func(c *Config) { c.Flows[0].Entries[0].AccountID = "" },
			"accountId is required",
		},
		{
			"unknown provider",
			func(c *Config) { c.Flows[0].Entries[0].Provider = "openrouter" },
			"unknown provider",
		},
		{
			"duplicate flow name",
			func(c *Config) { c.Flows = append(c.Flows, Flow{ID: "flow-2", Name: "daily-driver"}) },
			"duplicate flow name",
		},
		{
			"missing flow name",
			func(c *Config) { c.Flows[0].Name = "" },
			"name is required",
		},
		{
			"missing model id",
			func(c *Config) { c.Flows[0].Entries[1].ModelID = "" },
			"modelId is required",
		},
		{
			"dangling active flow",
			func(c *Config) { c.ActiveFlowID = "missing" },
			"does not name a flow",
		},
		{
			"duplicate route",
			func(c *Config) {
				c.AccountRouting.Routes = append(c.AccountRouting.Routes, AccountRoute{ModelID: "claude-sonnet-4-5"})
			},
			"duplicate route",
		},
		{
			"stale route account",
			func(c *Config) { c.AccountRouting.Routes[0].Entries[0].AccountID = "ghost" },
			"does not reference an existing account",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sampleConfig()
			tt.mutate(cfg)
			err := cfg.Validate(knownAccounts("acc-1", "acc-2"))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("err = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidate_AutoSentinelAlwaysAllowed(t *testing.T) {
	cfg := &Config{
		Version: SchemaVersion,
		Flows: []Flow{{
			ID:   "f1",
			Name: "auto-only",
			Entries: []FlowEntry{
				{ID: "e1", Provider: "antigravity", AccountID: AutoAccount, ModelID: "gemini-3-pro"},
			},
		}},
	}
	// No accounts exist at all; "auto" must still pass.
	if err := cfg.Validate(knownAccounts()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNormalize_AssignsIDs(t *testing.T) {
	cfg := &Config{
		Flows: []Flow{{Name: "f", Entries: []FlowEntry{{Provider: "codex", AccountID: AutoAccount, ModelID: "gpt-5.1"}}}},
	}
	cfg.Normalize()

	if cfg.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", cfg.Version, SchemaVersion)
	}
	if cfg.Flows[0].ID == "" {
		t.Error("flow id not assigned")
	}
	if cfg.Flows[0].Entries[0].ID == "" {
		t.Error("entry id not assigned")
	}
}

func TestCleanupStaleRefs(t *testing.T) {
	cfg := &Config{
		Version: SchemaVersion,
		Flows: []Flow{
			{
				ID:   "f1",
				Name: "mixed",
				Entries: []FlowEntry{
					{ID: "e1", Provider: "antigravity", AccountID: "alive", ModelID: "gemini-3-pro"},
					{ID: "e2", Provider: "antigravity", AccountID: "gone", ModelID: "gemini-3-pro"},
					{ID: "e3", Provider: "codex", AccountID: AutoAccount, ModelID: "gpt-5.1"},
				},
			},
		},
		AccountRouting: AccountRouting{
			Routes: []AccountRoute{
				{ModelID: "claude-sonnet-4-5", Entries: []RouteEntry{{Provider: "claude", AccountID: "gone"}}},
				{ModelID: "gpt-5.1", Entries: []RouteEntry{{Provider: "codex", AccountID: "alive"}}},
				{ModelID: "empty-before", Entries: []RouteEntry{}},
			},
		},
	}

	res := cfg.CleanupStaleRefs(knownAccounts("alive"))

	if res.FlowEntriesRemoved != 1 {
		t.Errorf("flow entries removed = %d, want 1", res.FlowEntriesRemoved)
	}
	if res.RouteEntriesRemoved != 1 || res.RoutesRemoved != 1 {
		t.Errorf("route cleanup = %+v, want 1 entry and 1 route", res)
	}
	if len(cfg.Flows[0].Entries) != 2 {
		t.Fatalf("flow entries = %d, want 2 (alive + auto)", len(cfg.Flows[0].Entries))
	}
	if cfg.Flows[0].Entries[1].AccountID != AutoAccount {
		t.Error("auto entry must survive cleanup")
	}
	// The route emptied by cleanup is dropped; the already-empty route stays.
	if len(cfg.AccountRouting.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(cfg.AccountRouting.Routes))
	}
	for _, r := range cfg.AccountRouting.Routes {
		if r.ModelID == "claude-sonnet-4-5" {
			t.Error("route emptied by cleanup should have been dropped")
		}
	}
}

func TestLookups(t *testing.T) {
	cfg := sampleConfig()

	if cfg.FlowByName("daily-driver") == nil {
		t.Error("FlowByName missed an existing flow")
	}
	if cfg.FlowByName("nope") != nil {
		t.Error("FlowByName returned a phantom flow")
	}
	if got := cfg.ActiveFlow(); got == nil || got.ID != "flow-1" {
		t.Errorf("ActiveFlow = %+v, want flow-1", got)
	}
	if cfg.RouteForModel("claude-sonnet-4-5") == nil {
		t.Error("RouteForModel missed an existing route")
	}
	if cfg.RouteForModel("gpt-5.1") != nil {
		t.Error("RouteForModel returned a phantom route")
	}

	cfg.ActiveFlowID = ""
	if cfg.ActiveFlow() != nil {
		t.Error("ActiveFlow without an id should be nil")
	}
}
