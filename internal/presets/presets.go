// Package presets holds named step lists that a workflow can be started from.
package presets

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"iaboard-pipeline/internal/models"
)

//go:embed presets.yaml
var defaultPresets []byte

const topicPlaceholder = "{{topic}}"

// Preset is a reusable workflow template.
type Preset struct {
	Name        string                  `yaml:"name" json:"name"`
	Description string                  `yaml:"description" json:"description"`
	Steps       []models.StepDefinition `yaml:"steps" json:"steps"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

type Catalog struct {
	presets map[string]Preset
}

// Parse reads a YAML preset file and validates every entry.
func Parse(data []byte) (*Catalog, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse presets YAML: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, fmt.Errorf("at least one preset is required")
	}

	catalog := &Catalog{presets: make(map[string]Preset, len(file.Presets))}
	for _, preset := range file.Presets {
		if err := Validate(preset); err != nil {
			return nil, err
		}
		if _, exists := catalog.presets[preset.Name]; exists {
			return nil, fmt.Errorf("duplicate preset %q", preset.Name)
		}
		catalog.presets[preset.Name] = preset
	}
	return catalog, nil
}

func Validate(preset Preset) error {
	if strings.TrimSpace(preset.Name) == "" {
		return fmt.Errorf("preset name is required")
	}
	if len(preset.Steps) == 0 {
		return fmt.Errorf("preset %q: at least one step is required", preset.Name)
	}

	ids := make(map[string]bool, len(preset.Steps))
	for i, step := range preset.Steps {
		if strings.TrimSpace(step.Title) == "" {
			return fmt.Errorf("preset %q: step %d has no title", preset.Name, i+1)
		}
		if !step.Type.Valid() {
			return fmt.Errorf("preset %q: step %d has unknown type %q", preset.Name, i+1, step.Type)
		}
		if strings.TrimSpace(step.Prompt) == "" {
			return fmt.Errorf("preset %q: step %d has no prompt", preset.Name, i+1)
		}
		if step.ID != "" {
			if ids[step.ID] {
				return fmt.Errorf("preset %q: duplicate step id %q", preset.Name, step.ID)
			}
			ids[step.ID] = true
		}
	}
	return nil
}

// Default returns the presets shipped with the binary.
func Default() *Catalog {
	catalog, err := Parse(defaultPresets)
	if err != nil {
		panic(fmt.Sprintf("embedded presets are invalid: %v", err))
	}
	return catalog
}

// Load reads presets from path, or the embedded defaults when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file: %w", err)
	}
	return Parse(data)
}

func (c *Catalog) Get(name string) (Preset, bool) {
	preset, ok := c.presets[name]
	return preset, ok
}

func (c *Catalog) List() []Preset {
	out := make([]Preset, 0, len(c.presets))
	for _, preset := range c.presets {
		out = append(out, preset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build fills the topic into every prompt and merges params into each step.
// Step parameters win over the shared ones.
func (p Preset) Build(topic string, params map[string]string) []models.StepDefinition {
	steps := make([]models.StepDefinition, len(p.Steps))
	for i, step := range p.Steps {
		step.Prompt = strings.ReplaceAll(step.Prompt, topicPlaceholder, topic)
		step.Description = strings.ReplaceAll(step.Description, topicPlaceholder, topic)

		merged := make(map[string]string, len(params)+len(step.Parameters))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range step.Parameters {
			merged[k] = v
		}
		if len(merged) > 0 {
			step.Parameters = merged
		} else {
			step.Parameters = nil
		}
		steps[i] = step
	}
	return steps
}
