package presets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"iaboard-pipeline/internal/models"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	catalog := Default()

	preset, ok := catalog.Get("launch_campaign")
	if !ok {
		t.Fatalf("launch_campaign preset missing")
	}

	want := []models.RequestType{
		models.RequestTypeStrategy,
		models.RequestTypeCopy,
		models.RequestTypeVideo,
		models.RequestTypeTraffic,
		models.RequestTypeAnalytics,
	}
	if len(preset.Steps) != len(want) {
		t.Fatalf("launch_campaign has %d steps, want %d", len(preset.Steps), len(want))
	}
	for i, step := range preset.Steps {
		if step.Type != want[i] {
			t.Errorf("step %d type = %s, want %s", i, step.Type, want[i])
		}
	}
}

func TestListIsSortedByName(t *testing.T) {
	list := Default().List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("presets not sorted: %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}

func TestParseRejectsInvalidPresets(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "empty file",
			yaml:    "presets: []",
			wantErr: "at least one preset",
		},
		{
			name: "unknown type",
			yaml: `
presets:
  - name: broken
    steps:
      - title: Step
        type: podcast
        prompt: hi`,
			wantErr: "unknown type",
		},
		{
			name: "missing prompt",
			yaml: `
presets:
  - name: broken
    steps:
      - title: Step
        type: copy`,
			wantErr: "no prompt",
		},
		{
			name: "duplicate step id",
			yaml: `
presets:
  - name: broken
    steps:
      - {id: a, title: One, type: copy, prompt: x}
      - {id: a, title: Two, type: video, prompt: y}`,
			wantErr: "duplicate step id",
		},
		{
			name: "duplicate preset",
			yaml: `
presets:
  - name: twice
    steps:
      - {title: One, type: copy, prompt: x}
  - name: twice
    steps:
      - {title: One, type: copy, prompt: x}`,
			wantErr: "duplicate preset",
		},
		{
			name:    "bad yaml",
			yaml:    "presets: [",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestBuildFillsTopicAndMergesParameters(t *testing.T) {
	preset := Preset{
		Name: "p",
		Steps: []models.StepDefinition{
			{ID: "a", Title: "A", Type: models.RequestTypeCopy, Prompt: "Copy for {{topic}}", Parameters: map[string]string{"tone": "formal"}},
			{ID: "b", Title: "B", Type: models.RequestTypeVideo, Prompt: "Video for {{topic}}"},
		},
	}

	steps := preset.Build("yoga course", map[string]string{"tone": "casual", "audience": "beginners"})

	if steps[0].Prompt != "Copy for yoga course" {
		t.Fatalf("prompt = %q", steps[0].Prompt)
	}
	if steps[0].Parameters["tone"] != "formal" {
		t.Fatalf("step parameter should win, got %q", steps[0].Parameters["tone"])
	}
	if steps[1].Parameters["tone"] != "casual" || steps[1].Parameters["audience"] != "beginners" {
		t.Fatalf("shared parameters not merged: %v", steps[1].Parameters)
	}
	if preset.Steps[0].Prompt != "Copy for {{topic}}" {
		t.Fatalf("Build must not modify the preset")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	data := `
presets:
  - name: single
    steps:
      - {title: Only, type: email, prompt: "Emails for {{topic}}"}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write presets: %v", err)
	}

	catalog, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := catalog.Get("single"); !ok {
		t.Fatalf("preset from file not loaded")
	}
	if _, ok := catalog.Get("launch_campaign"); ok {
		t.Fatalf("file presets should replace the defaults")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
