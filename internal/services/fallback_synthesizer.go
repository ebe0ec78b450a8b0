package services

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"iaboard-pipeline/internal/models"
)

const DefaultFallbackConfidence = 0.65

type FallbackCategory string

const (
	CategoryCopy      FallbackCategory = "copy"
	CategoryVideo     FallbackCategory = "video"
	CategoryProduct   FallbackCategory = "product"
	CategoryTraffic   FallbackCategory = "traffic"
	CategoryAnalytics FallbackCategory = "analytics"
	CategoryStrategy  FallbackCategory = "strategy"
	CategoryGeneric   FallbackCategory = "generic"
)

var typeCategories = map[models.RequestType]FallbackCategory{
	models.RequestTypeCopy:        CategoryCopy,
	models.RequestTypeEmail:       CategoryCopy,
	models.RequestTypeLandingPage: CategoryCopy,
	models.RequestTypeVideo:       CategoryVideo,
	models.RequestTypeProduct:     CategoryProduct,
	models.RequestTypeTraffic:     CategoryTraffic,
	models.RequestTypeAnalytics:   CategoryAnalytics,
	models.RequestTypeStrategy:    CategoryStrategy,
}

// checked in this order; the first category with a matching word wins
var categoryKeywords = []struct {
	category FallbackCategory
	words    []string
}{
	{CategoryVideo, []string{"video", "vídeo", "videos", "vídeos", "roteiro", "script", "youtube", "reels", "tiktok", "vsl"}},
	{CategoryTraffic, []string{"tráfego", "trafego", "traffic", "ads", "anúncio", "anuncio", "anúncios", "anuncios", "campanha", "campaign", "meta", "google"}},
	{CategoryAnalytics, []string{"analytics", "métrica", "metrica", "métricas", "metricas", "metric", "metrics", "kpi", "kpis", "dashboard", "conversão", "conversao", "conversion"}},
	{CategoryStrategy, []string{"estratégia", "estrategia", "strategy", "funil", "funnel", "lançamento", "lancamento", "launch", "planejamento", "posicionamento"}},
	{CategoryProduct, []string{"produto", "product", "oferta", "offer", "curso", "course", "ebook", "infoproduto", "mentoria"}},
	{CategoryCopy, []string{"copy", "copywriting", "headline", "headlines", "texto", "vendas", "sales", "email", "e-mail", "landing", "página", "pagina"}},
}

type fallbackTemplate struct {
	body  string
	files []fallbackFile
}

type fallbackFile struct {
	name     string
	mimeType string
	body     string
}

const topicPlaceholder = "{{topic}}"

var fallbackTemplates = map[FallbackCategory]fallbackTemplate{
	CategoryCopy: {
		body: `# Sales copy: {{topic}}

## Headline options
1. Discover how {{topic}} can change your results in the next 30 days
2. The simple method behind {{topic}} that nobody is showing you
3. Stop guessing: a proven path to {{topic}}

## Hook
You already know {{topic}} matters. What is missing is a clear, repeatable plan.

## Body
- Main benefit: save time with a step-by-step process
- Second benefit: results you can measure from week one
- Third benefit: support whenever you get stuck

## Objections
- "I have no time": every step takes less than 20 minutes a day
- "It will not work for me": the method adapts to beginners and experts

## Call to action
Click the button below and start with {{topic}} today.
`,
		files: []fallbackFile{
			{name: "sales-copy.md", mimeType: mimeMarkdown},
			{name: "headlines.md", mimeType: mimeMarkdown, body: `# Headlines: {{topic}}

- Discover how {{topic}} can change your results in the next 30 days
- The simple method behind {{topic}} that nobody is showing you
- Stop guessing: a proven path to {{topic}}
`},
		},
	},
	CategoryVideo: {
		body: `# Video script: {{topic}}

## Scene 1 (0:00 - 0:05) Hook
Narration: "What if {{topic}} took half the effort you expect?"
On screen: bold title over fast b-roll.

## Scene 2 (0:05 - 0:30) Problem
Narration: the three mistakes people make with {{topic}}.
On screen: one text card per mistake.

## Scene 3 (0:30 - 1:30) Solution
Narration: walk through the method step by step.
On screen: screen recording or demonstration.

## Scene 4 (1:30 - 1:50) Proof
Narration: a short result or testimonial.
On screen: numbers and quote overlay.

## Scene 5 (1:50 - 2:00) Call to action
Narration: "Tap the link to get started with {{topic}}."
On screen: link and logo.
`,
		files: []fallbackFile{
			{name: "video-script.md", mimeType: mimeMarkdown},
			{name: "storyboard.json", mimeType: mimeJSON, body: `[
  {"scene": 1, "text": "Hook: what if {{topic}} took half the effort you expect?"},
  {"scene": 2, "text": "Problem: the three mistakes people make with {{topic}}"},
  {"scene": 3, "text": "Solution: the method step by step"},
  {"scene": 4, "text": "Proof: result or testimonial"},
  {"scene": 5, "text": "Call to action: get started with {{topic}}"}
]
`},
		},
	},
	CategoryProduct: {
		body: `# Product outline: {{topic}}

## Promise
Help the customer master {{topic}} with a practical, guided path.

## Target customer
Beginners and intermediate learners who tried before without a plan.

## Modules
1. Foundations of {{topic}}
2. Setting up your first project
3. Scaling what works
4. Avoiding the common mistakes
5. Action plan for the next 90 days

## Bonuses
- Templates and checklists
- Monthly live Q&A

## Pricing
- Essential: core modules
- Complete: modules plus bonuses
- Premium: everything plus mentoring

## Guarantee
Seven days, no questions asked.
`,
		files: []fallbackFile{
			{name: "product-outline.md", mimeType: mimeMarkdown},
		},
	},
	CategoryTraffic: {
		body: `# Paid traffic plan: {{topic}}

## Objective
Generate qualified leads for {{topic}} at a sustainable cost per lead.

## Audiences
- Interest audience built around {{topic}}
- Lookalike of existing customers
- Retargeting of site visitors from the last 30 days

## Budget split
- 60% prospecting
- 25% retargeting
- 15% testing new creatives

## Ad variations
- Pain-point ad: the biggest frustration with {{topic}}
- Benefit ad: the result the customer gets
- Social proof ad: a short testimonial

## First 14 days
- Days 1-3: let the campaigns learn, no changes
- Days 4-7: pause ads with cost per lead 30% above target
- Days 8-14: scale winners by 20% every two days
`,
		files: []fallbackFile{
			{name: "campaign-plan.md", mimeType: mimeMarkdown},
			{name: "ad-variations.md", mimeType: mimeMarkdown, body: `- [ ] Pain-point ad: the biggest frustration with {{topic}}
- [ ] Benefit ad: the result the customer gets
- [ ] Social proof ad: a short testimonial
`},
		},
	},
	CategoryAnalytics: {
		body: `# Measurement plan: {{topic}}

## Key metrics
- Conversion rate: 2% or higher
- Cost per lead: below the agreed target
- Return on ad spend: 3x or higher
- Email open rate: 25% or higher

## Events to track
- Page view, lead form submitted, checkout started, purchase

## Funnel stages
1. Awareness
2. Interest
3. Decision
4. Purchase

## Review cadence
Weekly review of {{topic}} metrics, monthly deep dive.
`,
		files: []fallbackFile{
			{name: "analytics-plan.md", mimeType: mimeMarkdown},
			{name: "kpis.csv", mimeType: mimeCSV, body: `metric,target
Conversion rate,2% or higher
Cost per lead,below the agreed target
Return on ad spend,3x or higher
Email open rate,25% or higher
`},
		},
	},
	CategoryStrategy: {
		body: `# Marketing strategy: {{topic}}

## Positioning
Present {{topic}} as the practical choice for people who want results without complexity.

## Funnel
1. Free content that attracts the audience
2. Lead magnet that captures contacts
3. Nurturing sequence by email
4. Offer with a clear deadline

## Channels
- Organic social content three times a week
- Paid traffic for lead capture
- Email for nurturing and sales

## Four week calendar
- Week 1: audience research and content
- Week 2: lead magnet and capture page
- Week 3: nurturing and warm-up
- Week 4: open cart and follow-up

## Next actions
- Define the main promise
- Produce the lead magnet
- Set up tracking before launching ads
`,
		files: []fallbackFile{
			{name: "strategy.md", mimeType: mimeMarkdown},
			{name: "next-actions.md", mimeType: mimeMarkdown, body: `- [ ] Define the main promise
- [ ] Produce the lead magnet
- [ ] Set up tracking before launching ads
`},
		},
	},
	CategoryGeneric: {
		body: `# {{topic}}

## Overview
A structured starting point for {{topic}}.

## Key points
- Define the goal and how success will be measured
- Identify the audience and what they need
- List the resources and deadlines

## Next steps
1. Review this outline
2. Fill in the details for each point
3. Request a new generation when live providers are available
`,
		files: []fallbackFile{
			{name: "output.md", mimeType: mimeMarkdown},
		},
	},
}

// FallbackSynthesizer produces offline content when no live provider can
// serve a request. It is pure: the same request always yields the same content.
type FallbackSynthesizer struct {
	confidence float64
}

func NewFallbackSynthesizer(confidence float64) *FallbackSynthesizer {
	if confidence <= 0 {
		confidence = DefaultFallbackConfidence
	}
	return &FallbackSynthesizer{confidence: confidence}
}

func (s *FallbackSynthesizer) Confidence() float64 {
	return s.confidence
}

func (s *FallbackSynthesizer) Synthesize(req *models.GenerationRequest) models.GenerationResult {
	start := time.Now()

	category := ClassifyRequest(req)
	content, files := RenderFallback(category, fallbackTopic(req.Prompt))

	return models.GenerationResult{
		RequestID:        req.ID,
		Kind:             models.ResultKindFallback,
		Success:          true,
		Content:          content,
		ProviderUsed:     models.FallbackProviderName,
		TokensConsumed:   0,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ConfidenceScore:  s.confidence,
		GeneratedFiles:   files,
		CreatedAt:        time.Now(),
	}
}

// ClassifyRequest maps a request onto a fallback category by its type, or by
// scanning the prompt when the type carries no category.
func ClassifyRequest(req *models.GenerationRequest) FallbackCategory {
	if category, ok := typeCategories[req.Type]; ok {
		return category
	}

	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(req.Prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		words[w] = struct{}{}
	}

	for _, group := range categoryKeywords {
		for _, kw := range group.words {
			if _, ok := words[kw]; ok {
				return group.category
			}
		}
	}
	return CategoryGeneric
}

func RenderFallback(category FallbackCategory, topic string) (string, []models.GeneratedFile) {
	tmpl, ok := fallbackTemplates[category]
	if !ok {
		tmpl = fallbackTemplates[CategoryGeneric]
	}

	body := strings.ReplaceAll(tmpl.body, topicPlaceholder, topic)
	files := make([]models.GeneratedFile, 0, len(tmpl.files))
	for _, f := range tmpl.files {
		content := body
		if f.body != "" {
			value := topic
			if f.mimeType == mimeJSON {
				value = jsonEscape(topic)
			}
			content = strings.ReplaceAll(f.body, topicPlaceholder, value)
		}
		files = append(files, models.GeneratedFile{Name: f.name, Type: f.mimeType, Content: content})
	}
	return body, files
}

func jsonEscape(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data[1 : len(data)-1])
}

const maxTopicLength = 80

// fallbackTopic is the first line of the prompt, shortened on a word boundary.
func fallbackTopic(prompt string) string {
	topic := strings.TrimSpace(prompt)
	if line, _, found := strings.Cut(topic, "\n"); found {
		topic = strings.TrimSpace(line)
	}
	topic = strings.Join(strings.Fields(topic), " ")
	if topic == "" {
		return "your project"
	}

	runes := []rune(topic)
	if len(runes) <= maxTopicLength {
		return topic
	}
	cut := string(runes[:maxTopicLength])
	if i := strings.LastIndex(cut, " "); i > maxTopicLength/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}
