// Package catalog holds the canonical model table: which model ids exist,
// which provider kind serves each one, and the display metadata surfaced by
// the models listing. The table ships with built-in defaults and can be
// replaced from a YAML file plus RELAY_MODEL_* env overrides.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pysugar/llm-relay/internal/upstream"
)

var modelIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

type fileConfig struct {
	Models []ModelConfig `yaml:"models"`
}

// ModelConfig is one entry of the models YAML file.
type ModelConfig struct {
	ID          string `yaml:"id"`
	Provider    string `yaml:"provider"`
	DisplayName string `yaml:"display_name"`
	Enabled     *bool  `yaml:"enabled"`
}

// ModelInfo is the resolved, immutable view of one canonical model.
type ModelInfo struct {
	ID          string            `json:"id"`
	Provider    upstream.Provider `json:"provider"`
	DisplayName string            `json:"display_name"`
}

// Catalog answers model-to-provider ownership questions for the router and
// backs the models listing. It is built once at startup and read-only after.
type Catalog struct {
	modelByID map[string]ModelInfo
	modelList []string
}

// Load builds the catalog from the given YAML path. An empty path falls back
// to RELAY_MODELS_FILE and then the usual config locations; when no file is
// found the built-in defaults apply. On a read or parse error the returned
// catalog still carries the defaults so the caller can warn and keep going.
func Load(path string) (*Catalog, error) {
	entries, loadErr := loadConfigModels(path)
	if len(entries) == 0 {
		entries = defaultModels()
	}
	return build(entries), loadErr
}

// Default returns a catalog holding only the built-in model table.
func Default() *Catalog {
	return build(defaultModels())
}

func build(entries []ModelConfig) *Catalog {
	c := &Catalog{modelByID: make(map[string]ModelInfo)}
	for _, cfg := range entries {
		info, ok := normalizeModel(cfg)
		if !ok {
			continue
		}
		if _, exists := c.modelByID[info.ID]; exists {
			continue
		}
		c.modelByID[info.ID] = info
		c.modelList = append(c.modelList, info.ID)
	}
	return c
}

// Models returns every model in declaration order.
func (c *Catalog) Models() []ModelInfo {
	result := make([]ModelInfo, 0, len(c.modelList))
	for _, id := range c.modelList {
		if info, ok := c.modelByID[id]; ok {
			result = append(result, info)
		}
	}
	return result
}

// Model returns metadata for a canonical model id.
func (c *Catalog) Model(id string) (ModelInfo, bool) {
	info, ok := c.modelByID[normalizeModelID(id)]
	return info, ok
}

// Has reports whether id names a canonical model.
func (c *Catalog) Has(id string) bool {
	_, ok := c.modelByID[normalizeModelID(id)]
	return ok
}

// ProviderFor returns the provider kind that owns a canonical model.
func (c *Catalog) ProviderFor(id string) (upstream.Provider, bool) {
	info, ok := c.modelByID[normalizeModelID(id)]
	if !ok {
		return "", false
	}
	return info.Provider, true
}

// ModelsFor returns the models owned by one provider kind, in declaration order.
func (c *Catalog) ModelsFor(p upstream.Provider) []ModelInfo {
	var result []ModelInfo
	for _, id := range c.modelList {
		if info, ok := c.modelByID[id]; ok && info.Provider == p {
			result = append(result, info)
		}
	}
	return result
}

func loadConfigModels(path string) ([]ModelConfig, error) {
	if strings.TrimSpace(path) == "" {
		var err error
		path, err = resolveModelsPath()
		if err != nil {
			return nil, err
		}
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse models file %q: %w", path, err)
	}

	return cfg.Models, nil
}

func resolveModelsPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("RELAY_MODELS_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/models.yaml",
		"./config/models.yaml",
		"/etc/llm-relay/models.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "llm-relay", "models.yaml"),
			filepath.Join(homeDir, ".llm-relay", "models.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalizeModel(cfg ModelConfig) (ModelInfo, bool) {
	id := normalizeModelID(cfg.ID)
	if !modelIDRegexp.MatchString(id) {
		return ModelInfo{}, false
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	if raw := strings.TrimSpace(os.Getenv(modelEnvName(id, "ENABLED"))); raw != "" {
		enabled = !strings.EqualFold(raw, "false") && raw != "0"
	}
	if !enabled {
		return ModelInfo{}, false
	}

	providerRaw := cfg.Provider
	if v := strings.TrimSpace(os.Getenv(modelEnvName(id, "PROVIDER"))); v != "" {
		providerRaw = v
	}
	provider, err := upstream.ParseProvider(strings.TrimSpace(strings.ToLower(providerRaw)))
	if err != nil {
		return ModelInfo{}, false
	}

	displayName := strings.TrimSpace(cfg.DisplayName)
	if displayName == "" {
		displayName = displayNameFromID(id)
	}

	return ModelInfo{ID: id, Provider: provider, DisplayName: displayName}, true
}

func normalizeModelID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func modelEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("RELAY_MODEL_%s_%s", upper, suffix)
}

func displayNameFromID(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool { return r == '-' })
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

func defaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "gemini-3-pro", Provider: "antigravity", DisplayName: "Gemini 3 Pro"},
		{ID: "gemini-3-flash", Provider: "antigravity", DisplayName: "Gemini 3 Flash"},
		{ID: "gpt-5.1", Provider: "codex", DisplayName: "GPT-5.1"},
		{ID: "gpt-5.1-codex", Provider: "codex", DisplayName: "GPT-5.1 Codex"},
		{ID: "gpt-5.1-codex-mini", Provider: "codex", DisplayName: "GPT-5.1 Codex Mini"},
		{ID: "claude-sonnet-4-5", Provider: "claude", DisplayName: "Claude Sonnet 4.5"},
		{ID: "claude-opus-4-1", Provider: "claude", DisplayName: "Claude Opus 4.1"},
		{ID: "claude-haiku-4-5", Provider: "claude", DisplayName: "Claude Haiku 4.5"},
	}
}
