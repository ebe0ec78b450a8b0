package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const (
	defaultScraperUserAgent = "iaboard-pipeline/1.0 (+reference-fetcher)"
	defaultScraperMaxChars  = 4000
	minParagraphLength      = 40
)

var errBlockedAddress = errors.New("reference host resolves to a non-public address")

var (
	whitespaceRun = regexp.MustCompile(`[ \t]+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
	noisePatterns = []string{
		"cookie", "subscribe to our newsletter", "all rights reserved",
		"sign up", "log in", "accept all", "privacy policy",
	}
)

// ScraperService fetches a reference page and folds its text into a
// generation request as extra context.
type ScraperService struct {
	collector   *colly.Collector
	logger      *logger.Logger
	config      config.ScraperConfig
	rateLimiter chan struct{}
}

type ReferencePage struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	StatusCode  int       `json:"status_code"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

func NewScraperService(cfg config.ScraperConfig, log *logger.Logger) *ScraperService {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultScraperUserAgent
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 2
	}
	if cfg.MaxChars < 1 {
		cfg.MaxChars = defaultScraperMaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(2*1024*1024),
		// steps of one workflow often share a reference page
		colly.AllowURLRevisit(),
	)
	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.MaxConcurrency,
	})
	collector.SetRequestTimeout(cfg.Timeout)
	if !cfg.AllowPrivateHosts {
		collector.WithTransport(publicOnlyTransport(cfg.Timeout))
	}

	log.WithFields(logger.Fields{
		"max_concurrency": cfg.MaxConcurrency,
		"timeout":         cfg.Timeout.String(),
		"max_chars":       cfg.MaxChars,
	}).Info("Scraper Service initialized")

	return &ScraperService{
		collector:   collector,
		logger:      log,
		config:      cfg,
		rateLimiter: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Enrich appends the reference page summary to req.Context. Requests without
// a reference URL are left untouched.
func (service *ScraperService) Enrich(ctx context.Context, req *models.GenerationRequest) error {
	target := req.Param(models.ParamReferenceURL)
	if target == "" {
		return nil
	}

	page, err := service.ScrapeURL(ctx, target)
	if err != nil {
		return err
	}

	summary := page.Summary()
	if summary == "" {
		return nil
	}
	if req.Context != "" {
		req.Context += "\n\n"
	}
	req.Context += "Reference material from " + page.URL + ":\n" + summary
	return nil
}

func (service *ScraperService) ScrapeURL(ctx context.Context, targetURL string) (*ReferencePage, error) {
	startTime := time.Now()

	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, models.NewValidationError("INVALID_REFERENCE_URL", "Reference URL is not valid", err.Error())
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, models.NewValidationError("INVALID_REFERENCE_URL", "Reference URL must use http or https", parsedURL.Scheme)
	}
	if !service.config.AllowPrivateHosts {
		if ip := net.ParseIP(parsedURL.Hostname()); ip != nil && blockedIP(ip) {
			return nil, models.NewValidationError("INVALID_REFERENCE_URL", "Reference URL must point to a public host", parsedURL.Hostname())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	// the slot is held until the fetch itself returns, even past a timeout
	select {
	case service.rateLimiter <- struct{}{}:
	case <-ctx.Done():
		return nil, models.NewInternalError("SCRAPER_BUSY", "Timed out waiting for a scraper slot").WithCause(ctx.Err())
	}

	page := &ReferencePage{URL: targetURL, ScrapedAt: startTime}
	var scrapeErr error

	c := service.collector.Clone()

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	})

	c.OnResponse(func(r *colly.Response) {
		page.StatusCode = r.StatusCode
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		page.Title = strings.TrimSpace(e.ChildText("title"))
		if og := e.ChildAttr(`meta[property="og:title"]`, "content"); page.Title == "" && og != "" {
			page.Title = strings.TrimSpace(og)
		}
		page.Description = strings.TrimSpace(e.ChildAttr(`meta[name="description"]`, "content"))
		if page.Description == "" {
			page.Description = strings.TrimSpace(e.ChildAttr(`meta[property="og:description"]`, "content"))
		}
		page.Content = extractParagraphs(e, service.config.MaxChars)
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		scrapeErr = err
	})

	done := make(chan struct{})
	go func() {
		defer func() { <-service.rateLimiter }()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				scrapeErr = fmt.Errorf("scraper panic: %v", r)
			}
		}()
		if err := c.Visit(targetURL); err != nil && scrapeErr == nil {
			scrapeErr = err
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		service.logger.WithFields(logger.Fields{
			"url":      targetURL,
			"duration": time.Since(startTime).String(),
		}).Warn("Reference scrape timed out")
		return nil, models.NewInternalError("SCRAPER_TIMEOUT", "Reference scrape timed out").WithCause(ctx.Err())
	}

	service.logger.LogService("scraper", "scrape_reference", time.Since(startTime), map[string]interface{}{
		"url":            targetURL,
		"status_code":    page.StatusCode,
		"content_length": len(page.Content),
	}, scrapeErr)

	if scrapeErr != nil {
		return nil, models.NewInternalError("SCRAPER_FAILED", fmt.Sprintf("Failed to fetch %s", targetURL)).WithCause(scrapeErr)
	}
	return page, nil
}

// Summary joins title, description and body text, skipping empty parts.
func (p *ReferencePage) Summary() string {
	var parts []string
	if p.Title != "" {
		parts = append(parts, "Title: "+p.Title)
	}
	if p.Description != "" {
		parts = append(parts, "Description: "+p.Description)
	}
	if p.Content != "" {
		parts = append(parts, p.Content)
	}
	return strings.Join(parts, "\n")
}

// publicOnlyTransport refuses connections to non-public addresses after DNS
// resolution, so hostnames pointing inside the network are caught too.
func publicOnlyTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || blockedIP(ip) {
				return fmt.Errorf("%w: %s", errBlockedAddress, host)
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	return transport
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast()
}

func extractParagraphs(e *colly.HTMLElement, maxChars int) string {
	var b strings.Builder
	seen := make(map[string]bool)

	e.ForEach("p, li", func(_ int, el *colly.HTMLElement) {
		if b.Len() >= maxChars {
			return
		}
		text := cleanText(el.Text)
		if !isUsefulParagraph(text) || seen[text] {
			return
		}
		seen[text] = true
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	})

	return strings.TrimSpace(truncate(b.String(), maxChars))
}

func isUsefulParagraph(text string) bool {
	if len(text) < minParagraphLength {
		return false
	}
	lower := strings.ToLower(text)
	for _, noise := range noisePatterns {
		if strings.Contains(lower, noise) && len(text) < 160 {
			return false
		}
	}
	return true
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func (service *ScraperService) HealthCheck(ctx context.Context) error {
	if service.collector == nil {
		return fmt.Errorf("scraper collector not initialized")
	}
	return nil
}
