// Package registry loads the fleet's model catalog and serves lookup/filter
// queries against it. Grounded on models/catalog.go's remote-fetch-with-
// embedded-fallback load pattern, generalized from a JSON pricing catalog to
// a YAML definition list (gopkg.in/yaml.v3, matching the config loader) with
// an override-merge step absent from the teacher.
package registry

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelType classifies a model's general-purpose tier, per spec §3.
type ModelType string

// Model type constants.
const (
	TypeFast      ModelType = "fast"
	TypeReasoning ModelType = "reasoning"
)

// ModelSpeed classifies a model's latency tier, per spec §3.
type ModelSpeed string

// Model speed constants.
const (
	SpeedFast   ModelSpeed = "fast"
	SpeedMedium ModelSpeed = "medium"
	SpeedSlow   ModelSpeed = "slow"
)

// ModelDefinition is immutable after Registry.Load applies overrides and
// freezes the catalog, per spec §3.
type ModelDefinition struct {
	Name            string     `yaml:"name"`
	Provider        string     `yaml:"provider"`
	ModelID         string     `yaml:"model_id"`
	Type            ModelType  `yaml:"type"`
	Speed           ModelSpeed `yaml:"speed"`
	ContextSize     int        `yaml:"context_size"`
	MaxOutputTokens int        `yaml:"max_output_tokens"`
	Tags            []string   `yaml:"tags"`
	JSONResponse    bool       `yaml:"json_response"`
	SupportsImage   bool       `yaml:"supports_image"`
	SupportsVideo   bool       `yaml:"supports_video"`
	SupportsAudio   bool       `yaml:"supports_audio"`
	SupportsFile    bool       `yaml:"supports_file"`
	SupportsTools   bool       `yaml:"supports_tools"`
	SupportsVision  bool       `yaml:"supports_vision"`
	Available       bool       `yaml:"available"`
	Weight          int        `yaml:"weight"`
	Priority        int        `yaml:"priority"`
	MaxConcurrent   int        `yaml:"max_concurrent"`
}

// QualifiedName returns "provider/name", the form accepted by FindByName
// and excludeModels.
func (m ModelDefinition) QualifiedName() string {
	return m.Provider + "/" + m.Name
}

// Override patches a subset of fields on models matched by (name, optional
// provider, optional modelID). Unknown targets are logged and ignored by
// Load, per spec §4.1.
type Override struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider,omitempty"`
	ModelID  string `yaml:"model_id,omitempty"`

	Available     *bool `yaml:"available,omitempty"`
	Weight        *int  `yaml:"weight,omitempty"`
	Priority      *int  `yaml:"priority,omitempty"`
	MaxConcurrent *int  `yaml:"max_concurrent,omitempty"`
}

func (o Override) matches(m ModelDefinition) bool {
	if o.Name != m.Name {
		return false
	}
	if o.Provider != "" && o.Provider != m.Provider {
		return false
	}
	if o.ModelID != "" && o.ModelID != m.ModelID {
		return false
	}
	return true
}

type catalogFile struct {
	Models []ModelDefinition `yaml:"models"`
}

// ConfigError reports a malformed catalog (bad YAML or a missing required
// field), per spec §4.1.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "registry config error: " + e.Reason }

// IOError reports a catalog fetch/read failure, per spec §4.1.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return "registry io error: " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// Logger is the minimal logging capability Registry needs to report ignored
// override targets, satisfied by *slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Registry owns the ModelDefinition collection for the process lifetime,
// per spec §3 ("Ownership").
type Registry struct {
	models []ModelDefinition
	log    Logger
}

// New creates an empty Registry; call Load before use.
func New(log Logger) *Registry {
	if log == nil {
		log = noopLogger{}
	}
	return &Registry{log: log}
}

// Load acquires the catalog from source (a local file path, or an http(s)
// URL), parses it as YAML `{models: [...]}`, applies overrides matched by
// (name, optional provider, optional modelId), and freezes the result.
// Unknown override targets are logged and ignored, not rejected.
func (r *Registry) Load(source string, overrides []Override) error {
	data, err := fetch(source)
	if err != nil {
		return &IOError{Err: err}
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return &ConfigError{Reason: fmt.Sprintf("malformed YAML: %v", err)}
	}

	models := make([]ModelDefinition, 0, len(cf.Models))
	for _, m := range cf.Models {
		if m.Name == "" {
			return &ConfigError{Reason: "model entry missing required field 'name'"}
		}
		if m.Provider == "" {
			return &ConfigError{Reason: fmt.Sprintf("model %q missing required field 'provider'", m.Name)}
		}
		if m.Weight <= 0 {
			m.Weight = 1
		}
		if m.Priority <= 0 {
			m.Priority = 1
		}
		models = append(models, m)
	}

	for _, ov := range overrides {
		applied := false
		for i := range models {
			if !ov.matches(models[i]) {
				continue
			}
			applied = true
			if ov.Available != nil {
				models[i].Available = *ov.Available
			}
			if ov.Weight != nil {
				models[i].Weight = *ov.Weight
			}
			if ov.Priority != nil {
				models[i].Priority = *ov.Priority
			}
			if ov.MaxConcurrent != nil {
				models[i].MaxConcurrent = *ov.MaxConcurrent
			}
		}
		if !applied {
			r.log.Warn("registry: override target did not match any model", "name", ov.Name, "provider", ov.Provider, "model_id", ov.ModelID)
		}
	}

	r.models = models
	return nil
}

func fetch(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(source)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("catalog fetch: HTTP %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(source)
}

// GetAll returns every loaded model, available or not.
func (r *Registry) GetAll() []ModelDefinition {
	out := make([]ModelDefinition, len(r.models))
	copy(out, r.models)
	return out
}

// GetAvailable returns every model with Available == true.
func (r *Registry) GetAvailable() []ModelDefinition {
	out := make([]ModelDefinition, 0, len(r.models))
	for _, m := range r.models {
		if m.Available {
			out = append(out, m)
		}
	}
	return out
}

// FindByName returns the first available model with the given name,
// accepting the "provider/name" qualified form.
func (r *Registry) FindByName(name string) (ModelDefinition, bool) {
	provider, bare := splitQualified(name)
	return r.FindByNameAndProvider(bare, provider)
}

// FindByNameAndProvider returns the model matching name, and provider when
// non-empty, among available models.
func (r *Registry) FindByNameAndProvider(name, provider string) (ModelDefinition, bool) {
	for _, m := range r.models {
		if !m.Available || m.Name != name {
			continue
		}
		if provider != "" && m.Provider != provider {
			continue
		}
		return m, true
	}
	return ModelDefinition{}, false
}

func splitQualified(name string) (provider, bare string) {
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

// Criteria is the filter/routing input to Filter and the Smart Selector,
// per spec §4.6.
type Criteria struct {
	Tags               [][]string // DNF groups; a model matches if any group is fully satisfied
	Type               ModelType
	MinContextSize     int
	MinMaxOutputTokens int
	JSONResponse       bool
	SupportsImage      bool
	SupportsVideo      bool
	SupportsAudio      bool
	SupportsFile       bool
	SupportsTools      bool
	SupportsVision     bool
	Provider           string
}

// ParseTagGroups splits the string form of Tags ("comma-separated groups of
// &-joined tags") into DNF groups, per spec §4.1.
func ParseTagGroups(s string) [][]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	groups := strings.Split(s, ",")
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		tags := strings.Split(g, "&")
		for i := range tags {
			tags[i] = strings.TrimSpace(tags[i])
		}
		out = append(out, tags)
	}
	return out
}

func hasAllTags(model []string, required []string) bool {
	set := make(map[string]struct{}, len(model))
	for _, t := range model {
		set[t] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func matchesTagGroups(modelTags []string, groups [][]string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, group := range groups {
		if hasAllTags(modelTags, group) {
			return true
		}
	}
	return false
}

// Filter returns every available model matching all criteria set on c,
// per spec §4.1.
func (r *Registry) Filter(c Criteria) []ModelDefinition {
	out := make([]ModelDefinition, 0, len(r.models))
	for _, m := range r.models {
		if !m.Available {
			continue
		}
		if !matchesTagGroups(m.Tags, c.Tags) {
			continue
		}
		if c.Type != "" && m.Type != c.Type {
			continue
		}
		if c.MinContextSize > 0 && m.ContextSize < c.MinContextSize {
			continue
		}
		if c.MinMaxOutputTokens > 0 && m.MaxOutputTokens < c.MinMaxOutputTokens {
			continue
		}
		if c.JSONResponse && !m.JSONResponse {
			continue
		}
		if c.SupportsImage && !m.SupportsImage {
			continue
		}
		if c.SupportsVideo && !m.SupportsVideo {
			continue
		}
		if c.SupportsAudio && !m.SupportsAudio {
			continue
		}
		if c.SupportsFile && !m.SupportsFile {
			continue
		}
		if c.SupportsTools && !m.SupportsTools {
			continue
		}
		if c.SupportsVision && !m.SupportsVision {
			continue
		}
		if c.Provider != "" && m.Provider != c.Provider {
			continue
		}
		out = append(out, m)
	}
	return out
}
