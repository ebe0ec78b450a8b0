package services

import (
	"encoding/json"
	"strings"
	"testing"

	"iaboard-pipeline/internal/models"
)

func TestEveryRequestTypeHasHandler(t *testing.T) {
	for _, requestType := range models.RequestTypes() {
		if _, ok := dispatchTable[requestType]; !ok {
			t.Errorf("no handler for %s", requestType)
		}
	}
}

func TestBuildPromptIncludesParameters(t *testing.T) {
	req := models.NewGenerationRequest(models.RequestTypeEmail, "  Lançamento do curso  ", map[string]string{
		models.ParamAudience: "professores",
		models.ParamTone:     "amigável",
		models.ParamLanguage: "Portuguese",
	})
	req.Context = "earlier output"

	prompt := BuildPrompt(req)

	if prompt.RequestID != req.ID {
		t.Fatalf("request id = %s, want %s", prompt.RequestID, req.ID)
	}
	if prompt.SystemRole == "" {
		t.Fatal("system role is empty")
	}
	for _, want := range []string{"Lançamento do curso", "Target audience: professores", "Tone of voice: amigável", "Write the answer in Portuguese."} {
		if !strings.Contains(prompt.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt.Prompt)
		}
	}
	if prompt.Context != "earlier output" {
		t.Fatalf("context = %q", prompt.Context)
	}
}

func TestBuildPromptUnknownTypeUsesCustom(t *testing.T) {
	req := models.NewGenerationRequest(models.RequestType("podcast"), "x", nil)
	got := BuildPrompt(req)
	want := BuildPrompt(models.NewGenerationRequest(models.RequestTypeCustom, "x", nil))
	if got.SystemRole != want.SystemRole {
		t.Fatalf("system role = %q, want the custom one", got.SystemRole)
	}
}

func TestGenerateFiles(t *testing.T) {
	content := "# Plan\n- Reach: 10k people\n- CTR: 2%\n* Conversion rate: 3%\n\nSome text"

	tests := []struct {
		requestType models.RequestType
		wantNames   []string
	}{
		{models.RequestTypeCopy, []string{"sales-copy.md"}},
		{models.RequestTypeProduct, []string{"product-outline.md"}},
		{models.RequestTypeEmail, []string{"email-sequence.md"}},
		{models.RequestTypeLandingPage, []string{"landing-page.md"}},
		{models.RequestTypeCustom, []string{"output.md"}},
		{models.RequestTypeTraffic, []string{"campaign-plan.md", "ad-variations.md"}},
		{models.RequestTypeStrategy, []string{"strategy.md", "next-actions.md"}},
		{models.RequestTypeAnalytics, []string{"analytics-plan.md", "kpis.csv"}},
		{models.RequestTypeVideo, []string{"video-script.md", "storyboard.json"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.requestType), func(t *testing.T) {
			files := GenerateFiles(models.NewGenerationRequest(tt.requestType, "x", nil), content)
			if len(files) != len(tt.wantNames) {
				t.Fatalf("got %d files, want %d", len(files), len(tt.wantNames))
			}
			for i, f := range files {
				if f.Name != tt.wantNames[i] {
					t.Errorf("file %d = %s, want %s", i, f.Name, tt.wantNames[i])
				}
				if f.Content == "" {
					t.Errorf("file %s is empty", f.Name)
				}
			}
		})
	}
}

func TestAnalyticsFilesBuildCSV(t *testing.T) {
	content := "- Leads: 500 per month\n- Cost per lead: R$ 5, at most\n- no target here"
	files := analyticsFiles(nil, content)

	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	want := "metric,target\nLeads,500 per month\nCost per lead,\"R$ 5, at most\"\n"
	if files[1].Content != want {
		t.Fatalf("csv = %q, want %q", files[1].Content, want)
	}
}

func TestVideoFilesStoryboard(t *testing.T) {
	content := "# Scene one\nHook\n# Scene two\nOffer"
	files := videoFiles(nil, content)

	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	var scenes []storyboardScene
	if err := json.Unmarshal([]byte(files[1].Content), &scenes); err != nil {
		t.Fatalf("storyboard is not JSON: %v", err)
	}
	if len(scenes) != 2 || scenes[1].Scene != 2 || !strings.Contains(scenes[1].Text, "Offer") {
		t.Fatalf("scenes = %+v", scenes)
	}
}

func TestChecklistFilesSkipsWhenNoBullets(t *testing.T) {
	files := checklistFiles("main.md", "list.md")(nil, "plain paragraph only")
	if len(files) != 1 {
		t.Fatalf("got %d files, want only the main file", len(files))
	}
}

func TestSplitSectionsWithoutHeadings(t *testing.T) {
	sections := splitSections("first block\nstill first\n\nsecond block")
	if len(sections) != 2 {
		t.Fatalf("sections = %q", sections)
	}
}
