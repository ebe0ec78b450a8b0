package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"iaboard-pipeline/internal/models"
)

const (
	mimeMarkdown = "text/markdown"
	mimeJSON     = "application/json"
	mimeCSV      = "text/csv"
)

type promptBuilder func(req *models.GenerationRequest) *PromptRequest

type fileGenerator func(req *models.GenerationRequest, content string) []models.GeneratedFile

type requestHandler struct {
	buildPrompt   promptBuilder
	generateFiles fileGenerator
}

var dispatchTable = map[models.RequestType]requestHandler{
	models.RequestTypeCopy: {
		buildPrompt: instructionPrompt(
			"You are a senior direct-response copywriter.",
			"Write persuasive sales copy. Give three headline options, a hook, the body copy built on the main benefits, objection handling and a clear call to action. Use markdown headings.",
		),
		generateFiles: markdownFiles("sales-copy.md"),
	},
	models.RequestTypeVideo: {
		buildPrompt: instructionPrompt(
			"You are a video scriptwriter for short and long form marketing videos.",
			"Write a video script split into numbered scenes. For each scene give the narration, what is shown on screen and its approximate duration. Open with a hook in the first five seconds and close with a call to action.",
		),
		generateFiles: videoFiles,
	},
	models.RequestTypeProduct: {
		buildPrompt: instructionPrompt(
			"You are a digital product strategist.",
			"Design the product: name ideas, promise, target customer, module-by-module outline, bonuses, pricing tiers and guarantee. Use markdown headings and bullet lists.",
		),
		generateFiles: markdownFiles("product-outline.md"),
	},
	models.RequestTypeTraffic: {
		buildPrompt: instructionPrompt(
			"You are a paid traffic manager for Meta Ads and Google Ads.",
			"Plan the paid traffic campaign: objective, audiences, budget split, ad sets, three ad copy variations with creatives description, and the optimisation routine for the first 14 days. List ad variations as bullet points.",
		),
		generateFiles: checklistFiles("campaign-plan.md", "ad-variations.md"),
	},
	models.RequestTypeAnalytics: {
		buildPrompt: instructionPrompt(
			"You are a marketing analytics specialist.",
			"Define the measurement plan: key metrics with targets, events to track, funnel stages, dashboard layout and review cadence. Write each metric as a bullet in the form 'metric: target'.",
		),
		generateFiles: analyticsFiles,
	},
	models.RequestTypeStrategy: {
		buildPrompt: instructionPrompt(
			"You are a marketing strategist who plans launches and sales funnels.",
			"Build the marketing strategy: positioning, audience, funnel stages, channels, content calendar for four weeks, and milestones. Finish with a bullet list of next actions.",
		),
		generateFiles: checklistFiles("strategy.md", "next-actions.md"),
	},
	models.RequestTypeEmail: {
		buildPrompt: instructionPrompt(
			"You are an email marketing copywriter.",
			"Write an email sequence of five emails. For each give the send day, subject line, preview text and body with a single call to action.",
		),
		generateFiles: markdownFiles("email-sequence.md"),
	},
	models.RequestTypeLandingPage: {
		buildPrompt: instructionPrompt(
			"You are a conversion-focused landing page copywriter.",
			"Write the landing page copy section by section: hero, problem, solution, benefits, social proof, offer, FAQ and final call to action. Use one markdown heading per section.",
		),
		generateFiles: markdownFiles("landing-page.md"),
	},
	models.RequestTypeCustom: {
		buildPrompt: instructionPrompt(
			"You are a helpful marketing assistant.",
			"Answer the request with a well structured markdown document.",
		),
		generateFiles: markdownFiles("output.md"),
	},
}

func handlerFor(t models.RequestType) requestHandler {
	if h, ok := dispatchTable[t]; ok {
		return h
	}
	return dispatchTable[models.RequestTypeCustom]
}

func BuildPrompt(req *models.GenerationRequest) *PromptRequest {
	return handlerFor(req.Type).buildPrompt(req)
}

func GenerateFiles(req *models.GenerationRequest, content string) []models.GeneratedFile {
	return handlerFor(req.Type).generateFiles(req, content)
}

func instructionPrompt(role, instructions string) promptBuilder {
	return func(req *models.GenerationRequest) *PromptRequest {
		var b strings.Builder
		b.WriteString(instructions)
		b.WriteString("\n\nRequest:\n")
		b.WriteString(strings.TrimSpace(req.Prompt))

		if audience := req.Param(models.ParamAudience); audience != "" {
			fmt.Fprintf(&b, "\n\nTarget audience: %s", audience)
		}
		if tone := req.Param(models.ParamTone); tone != "" {
			fmt.Fprintf(&b, "\nTone of voice: %s", tone)
		}
		if language := req.Param(models.ParamLanguage); language != "" {
			fmt.Fprintf(&b, "\nWrite the answer in %s.", language)
		} else {
			b.WriteString("\nWrite the answer in the same language as the request.")
		}

		return &PromptRequest{
			RequestID:  req.ID,
			Prompt:     b.String(),
			SystemRole: role,
			Context:    req.Context,
		}
	}
}

func markdownFiles(name string) fileGenerator {
	return func(_ *models.GenerationRequest, content string) []models.GeneratedFile {
		return []models.GeneratedFile{{Name: name, Type: mimeMarkdown, Content: content}}
	}
}

// checklistFiles adds a second file holding only the bullet lines, when there are any.
func checklistFiles(main, checklist string) fileGenerator {
	return func(_ *models.GenerationRequest, content string) []models.GeneratedFile {
		files := []models.GeneratedFile{{Name: main, Type: mimeMarkdown, Content: content}}
		if bullets := extractBullets(content); len(bullets) > 0 {
			files = append(files, models.GeneratedFile{
				Name:    checklist,
				Type:    mimeMarkdown,
				Content: "- [ ] " + strings.Join(bullets, "\n- [ ] ") + "\n",
			})
		}
		return files
	}
}

type storyboardScene struct {
	Scene int    `json:"scene"`
	Text  string `json:"text"`
}

func videoFiles(_ *models.GenerationRequest, content string) []models.GeneratedFile {
	files := []models.GeneratedFile{{Name: "video-script.md", Type: mimeMarkdown, Content: content}}

	sections := splitSections(content)
	scenes := make([]storyboardScene, 0, len(sections))
	for i, section := range sections {
		scenes = append(scenes, storyboardScene{Scene: i + 1, Text: section})
	}
	if data, err := json.MarshalIndent(scenes, "", "  "); err == nil && len(scenes) > 0 {
		files = append(files, models.GeneratedFile{Name: "storyboard.json", Type: mimeJSON, Content: string(data)})
	}
	return files
}

func analyticsFiles(_ *models.GenerationRequest, content string) []models.GeneratedFile {
	files := []models.GeneratedFile{{Name: "analytics-plan.md", Type: mimeMarkdown, Content: content}}

	var rows []string
	for _, bullet := range extractBullets(content) {
		metric, target, ok := strings.Cut(bullet, ":")
		if !ok {
			continue
		}
		rows = append(rows, csvField(metric)+","+csvField(target))
	}
	if len(rows) > 0 {
		files = append(files, models.GeneratedFile{
			Name:    "kpis.csv",
			Type:    mimeCSV,
			Content: "metric,target\n" + strings.Join(rows, "\n") + "\n",
		})
	}
	return files
}

func csvField(s string) string {
	s = strings.TrimSpace(strings.Trim(s, "*"))
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func extractBullets(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			out = append(out, strings.TrimSpace(line[2:]))
		case len(line) > 2 && line[0] >= '0' && line[0] <= '9':
			if _, rest, ok := strings.Cut(line, ". "); ok {
				out = append(out, strings.TrimSpace(rest))
			}
		}
	}
	return out
}

// splitSections splits on markdown headings, or blank lines when there are none.
func splitSections(content string) []string {
	var sections []string
	var current strings.Builder
	hasHeadings := strings.Contains(content, "\n#") || strings.HasPrefix(content, "#")

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			sections = append(sections, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if hasHeadings && strings.HasPrefix(trimmed, "#") {
			flush()
		} else if !hasHeadings && trimmed == "" {
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return sections
}
