// Package routing holds the persisted routing document: named flows of
// (provider, account, model) entries plus per-model account routes. The
// router consumes this config read-only; mutation happens through the
// management API and is persisted atomically by the file store.
package routing

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pysugar/llm-relay/internal/upstream"
)

// SchemaVersion is the routing document schema this build reads and writes.
const SchemaVersion = 1

// AutoAccount is the sentinel accountId that defers account choice to the
// pool manager at request time.
const AutoAccount = "auto"

// FlowEntry is one candidate in a flow chain. Order within the flow is
// fallback priority.
type FlowEntry struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
	ModelID   string `json:"modelId"`
	Label     string `json:"label,omitempty"`
}

// Flow is a named failover chain, addressable as a model identifier.
type Flow struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Entries []FlowEntry `json:"entries"`
}

// RouteEntry is one candidate account for a canonical model.
type RouteEntry struct {
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
}

// AccountRoute is the explicit account chain for one canonical model.
type AccountRoute struct {
	ModelID string       `json:"modelId"`
	Entries []RouteEntry `json:"entries"`
}

// AccountRouting configures canonical-model routing. With SmartSwitch on,
// a model without an explicit route auto-expands to every account of its
// owning provider in creation order.
type AccountRouting struct {
	SmartSwitch bool           `json:"smartSwitch"`
	Routes      []AccountRoute `json:"routes"`
}

// Config is the versioned routing document.
type Config struct {
	Version        int            `json:"version"`
	Flows          []Flow         `json:"flows"`
	AccountRouting AccountRouting `json:"accountRouting"`
	ActiveFlowID   string         `json:"activeFlowId,omitempty"`
}

// DefaultConfig is what a fresh install starts from: no flows, smart
// switching on so canonical models work as soon as accounts exist.
func DefaultConfig() *Config {
	return &Config{
		Version:        SchemaVersion,
		Flows:          []Flow{},
		AccountRouting: AccountRouting{SmartSwitch: true, Routes: []AccountRoute{}},
	}
}

// FlowByName finds a flow by its display name.
func (c *Config) FlowByName(name string) *Flow {
	for i := range c.Flows {
		if c.Flows[i].Name == name {
			return &c.Flows[i]
		}
	}
	return nil
}

// FlowByID finds a flow by id.
func (c *Config) FlowByID(id string) *Flow {
	for i := range c.Flows {
		if c.Flows[i].ID == id {
			return &c.Flows[i]
		}
	}
	return nil
}

// ActiveFlow returns the flow designated as the default target, or nil.
func (c *Config) ActiveFlow() *Flow {
	if c.ActiveFlowID == "" {
		return nil
	}
	return c.FlowByID(c.ActiveFlowID)
}

// RouteForModel returns the explicit account route for a canonical model.
func (c *Config) RouteForModel(modelID string) *AccountRoute {
	for i := range c.AccountRouting.Routes {
		if c.AccountRouting.Routes[i].ModelID == modelID {
			return &c.AccountRouting.Routes[i]
		}
	}
	return nil
}

// Normalize fills in generated ids and the schema version so documents
// authored by hand or by older clients come out complete.
func (c *Config) Normalize() {
	c.Version = SchemaVersion
	for i := range c.Flows {
		if c.Flows[i].ID == "" {
			c.Flows[i].ID = uuid.NewString()
		}
		for j := range c.Flows[i].Entries {
			if c.Flows[i].Entries[j].ID == "" {
				c.Flows[i].Entries[j].ID = uuid.NewString()
			}
		}
	}
}

// Validate checks structural invariants: unique non-empty flow names,
// known providers, every account reference existing or "auto", and an
// activeFlowId that names a real flow. hasAccount is the store lookup.
func (c *Config) Validate(hasAccount func(string) bool) error {
	names := make(map[string]struct{}, len(c.Flows))
	for i := range c.Flows {
		flow := &c.Flows[i]
		if flow.Name == "" {
			return fmt.Errorf("flow %d: name is required", i)
		}
		if _, dup := names[flow.Name]; dup {
			return fmt.Errorf("duplicate flow name %q", flow.Name)
		}
		names[flow.Name] = struct{}{}
		for j, entry := range flow.Entries {
			if _, err := upstream.ParseProvider(entry.Provider); err != nil {
				return fmt.Errorf("flow %q entry %d: %w", flow.Name, j, err)
			}
			if entry.ModelID == "" {
				return fmt.Errorf("flow %q entry %d: modelId is required", flow.Name, j)
			}
			if err := checkAccountRef(entry.AccountID, hasAccount); err != nil {
				return fmt.Errorf("flow %q entry %d: %w", flow.Name, j, err)
			}
		}
	}

	models := make(map[string]struct{}, len(c.AccountRouting.Routes))
	for i, route := range c.AccountRouting.Routes {
		if route.ModelID == "" {
			return fmt.Errorf("route %d: modelId is required", i)
		}
		if _, dup := models[route.ModelID]; dup {
			return fmt.Errorf("duplicate route for model %q", route.ModelID)
		}
		models[route.ModelID] = struct{}{}
		for j, entry := range route.Entries {
			if _, err := upstream.ParseProvider(entry.Provider); err != nil {
				return fmt.Errorf("route %q entry %d: %w", route.ModelID, j, err)
			}
			if err := checkAccountRef(entry.AccountID, hasAccount); err != nil {
				return fmt.Errorf("route %q entry %d: %w", route.ModelID, j, err)
			}
		}
	}

	if c.ActiveFlowID != "" && c.FlowByID(c.ActiveFlowID) == nil {
		return fmt.Errorf("activeFlowId %q does not name a flow", c.ActiveFlowID)
	}
	return nil
}

func checkAccountRef(accountID string, hasAccount func(string) bool) error {
	if accountID == "" {
		return fmt.Errorf("accountId is required (use %q to defer)", AutoAccount)
	}
	if accountID == AutoAccount {
		return nil
	}
	if !hasAccount(accountID) {
		return fmt.Errorf("accountId %q does not reference an existing account", accountID)
	}
	return nil
}

// CleanupResult reports what an explicit stale-reference cleanup removed.
type CleanupResult struct {
	FlowEntriesRemoved  int `json:"flowEntriesRemoved"`
	RouteEntriesRemoved int `json:"routeEntriesRemoved"`
	RoutesRemoved       int `json:"routesRemoved"`
}

// CleanupStaleRefs prunes entries whose account no longer exists. Routes
// left without entries are dropped; empty flows are kept so their names
// stay reserved. This runs only when explicitly requested, never as part
// of load or save.
func (c *Config) CleanupStaleRefs(hasAccount func(string) bool) CleanupResult {
	var res CleanupResult

	for i := range c.Flows {
		kept := c.Flows[i].Entries[:0]
		for _, entry := range c.Flows[i].Entries {
			if entry.AccountID != AutoAccount && !hasAccount(entry.AccountID) {
				res.FlowEntriesRemoved++
				continue
			}
			kept = append(kept, entry)
		}
		c.Flows[i].Entries = kept
	}

	keptRoutes := c.AccountRouting.Routes[:0]
	for _, route := range c.AccountRouting.Routes {
		removedHere := 0
		keptEntries := route.Entries[:0]
		for _, entry := range route.Entries {
			if entry.AccountID != AutoAccount && !hasAccount(entry.AccountID) {
				removedHere++
				continue
			}
			keptEntries = append(keptEntries, entry)
		}
		route.Entries = keptEntries
		res.RouteEntriesRemoved += removedHere
		if len(route.Entries) == 0 && removedHere > 0 {
			res.RoutesRemoved++
			continue
		}
		keptRoutes = append(keptRoutes, route)
	}
	c.AccountRouting.Routes = keptRoutes

	return res
}
