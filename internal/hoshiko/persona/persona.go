// Package persona loads Hoshiko's persona catalogue and resolves which
// persona speaks in each community, honouring persisted per-community
// overrides and locks.
package persona

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/hoshikobot/hoshiko/internal/hoshiko/store"
)

// DefaultName is the persona used when a community has no override.
const DefaultName = "Default"

// Persona is one named system prompt from the persona file.
type Persona struct {
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// File is the on-disk persona catalogue.
type File struct {
	Default  string    `yaml:"default" json:"default"`
	Personas []Persona `yaml:"personas" json:"personas"`
}

// fileSchema validates the decoded persona file before any of it is trusted:
// every persona needs a non-empty name and prompt, and the default must name
// one of them (cross-reference checked separately).
const fileSchema = `{
	"type": "object",
	"required": ["default", "personas"],
	"properties": {
		"default": {"type": "string", "minLength": 1},
		"personas": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "prompt"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"prompt": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("personas.json", fileSchema)

// Load reads and validates a persona file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes persona file contents.
func Parse(data []byte) (*File, error) {
	// Decode generically first so the schema sees the document shape, not
	// whatever the typed decode silently dropped.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("persona: parse yaml: %w", err)
	}
	if err := compiledSchema.Validate(normalizeYAML(generic)); err != nil {
		return nil, fmt.Errorf("persona: validate: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("persona: decode: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Personas))
	for _, p := range f.Personas {
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("persona: duplicate persona %q", p.Name)
		}
		seen[key] = struct{}{}
	}
	if _, ok := seen[strings.ToLower(f.Default)]; !ok {
		return nil, fmt.Errorf("persona: default %q not defined", f.Default)
	}
	return &f, nil
}

// normalizeYAML converts yaml.v3's map[string]any / []any tree into the
// plain-JSON value tree the schema validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return float64(t)
	default:
		return v
	}
}

// CustomPrompt renders a free-form roleplay character into a system prompt.
func CustomPrompt(character string) string {
	return fmt.Sprintf(
		"I want you to act like %[1]s. I want you to respond and answer like %[1]s "+
			"using the tone, manner and vocabulary %[1]s would use. Do not write any "+
			"explanations. Only answer like %[1]s. You must know all of the knowledge of %[1]s.",
		character)
}

// Manager resolves each community's active persona. Overrides live in
// memory, backed by the persona store so they survive restarts. Safe for
// concurrent use.
type Manager struct {
	file  *File
	byKey map[string]Persona // lowercased name -> persona
	saved *store.Personas    // nil means in-memory only

	mu        sync.Mutex
	overrides map[string]store.CommunityPersona
}

// NewManager builds a Manager over a validated persona file. saved may be
// nil for tests.
func NewManager(f *File, saved *store.Personas) *Manager {
	byKey := make(map[string]Persona, len(f.Personas))
	for _, p := range f.Personas {
		byKey[strings.ToLower(p.Name)] = p
	}
	return &Manager{
		file:      f,
		byKey:     byKey,
		saved:     saved,
		overrides: make(map[string]store.CommunityPersona),
	}
}

// Restore warms the override map from the persona store.
func (m *Manager) Restore(ctx context.Context) error {
	if m.saved == nil {
		return nil
	}
	all, err := m.saved.LoadAll(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.overrides = all
	m.mu.Unlock()
	return nil
}

// defaultPersona returns the file's default persona.
func (m *Manager) defaultPersona() Persona {
	return m.byKey[strings.ToLower(m.file.Default)]
}

// Names lists the selectable persona names in file order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.file.Personas))
	for _, p := range m.file.Personas {
		names = append(names, p.Name)
	}
	return names
}

// Prompt resolves the system prompt for a community. Direct conversations
// (empty community ID) always use the default persona.
func (m *Manager) Prompt(communityID string) string {
	if communityID == "" {
		return m.defaultPersona().Prompt
	}

	m.mu.Lock()
	ov, ok := m.overrides[communityID]
	m.mu.Unlock()
	if !ok {
		return m.defaultPersona().Prompt
	}
	if ov.IsCustom {
		return CustomPrompt(ov.Value)
	}
	if p, found := m.byKey[strings.ToLower(ov.Value)]; found {
		return p.Prompt
	}
	return m.defaultPersona().Prompt
}

// ActiveName reports the community's persona for display. Custom overrides
// show as "Roleplay: <character>".
func (m *Manager) ActiveName(communityID string) string {
	m.mu.Lock()
	ov, ok := m.overrides[communityID]
	m.mu.Unlock()
	if !ok {
		return m.defaultPersona().Name
	}
	if ov.IsCustom {
		return "Roleplay: " + ov.Value
	}
	if p, found := m.byKey[strings.ToLower(ov.Value)]; found {
		return p.Name
	}
	return m.defaultPersona().Name
}

// Set selects a named persona for the community. Returns an error when the
// name is unknown or the community's persona is locked.
func (m *Manager) Set(ctx context.Context, communityID, name string) error {
	p, ok := m.byKey[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("persona: unknown persona %q", name)
	}
	return m.apply(ctx, store.CommunityPersona{
		CommunityID: communityID,
		Type:        store.PersonaNamed,
		Value:       p.Name,
	})
}

// SetCustom installs a free-form roleplay character for the community.
func (m *Manager) SetCustom(ctx context.Context, communityID, character string) error {
	character = strings.TrimSpace(character)
	if character == "" {
		return fmt.Errorf("persona: empty character")
	}
	return m.apply(ctx, store.CommunityPersona{
		CommunityID: communityID,
		Type:        store.PersonaCustom,
		Value:       character,
		IsCustom:    true,
	})
}

func (m *Manager) apply(ctx context.Context, cp store.CommunityPersona) error {
	if locked, err := m.isLocked(cp.CommunityID); err != nil {
		return err
	} else if locked {
		return fmt.Errorf("persona: community %s is locked", cp.CommunityID)
	}

	if m.saved != nil {
		if err := m.saved.Save(ctx, cp); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.overrides[cp.CommunityID] = cp
	m.mu.Unlock()
	return nil
}

// Reset removes the community's override.
func (m *Manager) Reset(ctx context.Context, communityID string) error {
	if m.saved != nil {
		if err := m.saved.Delete(ctx, communityID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.overrides, communityID)
	m.mu.Unlock()
	return nil
}

// SetLock flips the community's persona lock.
func (m *Manager) SetLock(ctx context.Context, communityID string, locked bool) error {
	if m.saved != nil {
		if err := m.saved.SetLock(ctx, communityID, locked); err != nil {
			return err
		}
	}
	m.mu.Lock()
	ov := m.overrides[communityID]
	ov.CommunityID = communityID
	if ov.Value == "" {
		ov.Type = store.PersonaNamed
		ov.Value = m.defaultPersona().Name
	}
	ov.Locked = locked
	m.overrides[communityID] = ov
	m.mu.Unlock()
	return nil
}

func (m *Manager) isLocked(communityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ov, ok := m.overrides[communityID]
	return ok && ov.Locked, nil
}
