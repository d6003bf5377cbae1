package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
	"picks-pipeline/internal/workflow"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	noisePatterns     = []*regexp.Regexp{
		regexp.MustCompile(`(?i)javascript:void\(0\)`),
		regexp.MustCompile(`(?i)advertisement`),
		regexp.MustCompile(`(?i)subscribe to.*?newsletter`),
		regexp.MustCompile(`(?i)follow us on`),
		regexp.MustCompile(`(?i)accept (all )?cookies`),
	}
	skipTags = map[string]bool{"script": true, "style": true, "nav": true, "footer": true, "header": true, "noscript": true, "aside": true, "form": true}
)

// ScraperService reads a single web page for the agent: review pages,
// episode guides and streaming listings linked from search results.
type ScraperService struct {
	collector *colly.Collector
	logger    *logger.Logger
	config    config.ScraperConfig
	mu        sync.Mutex
	inflight  chan struct{}
}

type PageContent struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata"`
	ScrapedAt   time.Time         `json:"scraped_at"`
}

func NewScraperService(config config.ScraperConfig, log *logger.Logger) (*ScraperService, error) {
	collector := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(2<<20),
	)
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 2}); err != nil {
		return nil, fmt.Errorf("configuring scraper limits: %w", err)
	}
	collector.SetRequestTimeout(config.Timeout)

	service := &ScraperService{
		collector: collector,
		logger:    log,
		config:    config,
		inflight:  make(chan struct{}, 4),
	}

	log.Info("Scraper service initialized",
		"timeout", config.Timeout,
		"max_content_size", config.MaxContentSize)

	return service, nil
}

func (service *ScraperService) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        workflow.FetchPageToolName,
		Description: "Fetch a web page and return its readable text. Use on a review or listing URL from a search result.",
		Parameters: &models.Schema{
			Type: models.SchemaObject,
			Properties: map[string]*models.Schema{
				"url": {
					Type:        models.SchemaString,
					Description: "Absolute http(s) URL of the page.",
				},
			},
			Required: []string{"url"},
		},
	}
}

func (service *ScraperService) Invoke(ctx context.Context, args map[string]any) (string, error) {
	target, _ := args["url"].(string)
	page, err := service.FetchPage(ctx, target)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if page.Title != "" {
		b.WriteString(page.Title)
		b.WriteString("\n\n")
	}
	if page.Description != "" {
		b.WriteString(page.Description)
		b.WriteString("\n\n")
	}
	b.WriteString(page.Content)
	return strings.TrimSpace(b.String()), nil
}

// FetchPage visits targetURL once and extracts its title, description and
// main text. Non-HTML responses and pages without text are errors.
func (service *ScraperService) FetchPage(ctx context.Context, targetURL string) (*PageContent, error) {
	startTime := time.Now()

	parsedURL, err := url.Parse(strings.TrimSpace(targetURL))
	if err != nil || parsedURL.Host == "" {
		return nil, models.NewValidationError("INVALID_URL", "page URL is not valid").WithMetadata("url", targetURL)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, models.NewValidationError("UNSUPPORTED_SCHEME", "only http and https pages can be fetched").
			WithMetadata("scheme", parsedURL.Scheme)
	}

	select {
	case service.inflight <- struct{}{}:
		defer func() { <-service.inflight }()
	case <-ctx.Done():
		return nil, models.NewTimeoutError("SCRAPER_TIMEOUT", "waiting for a scraper slot").WithCause(ctx.Err())
	}

	page := &PageContent{
		URL:       parsedURL.String(),
		Metadata:  make(map[string]string),
		ScrapedAt: time.Now(),
	}

	service.mu.Lock()
	c := service.collector.Clone()
	service.mu.Unlock()
	c.Context = ctx

	var scrapeErr error
	var statusCode int
	processed := false

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		page.Metadata["status_code"] = fmt.Sprintf("%d", r.StatusCode)
		page.Metadata["content_type"] = r.Headers.Get("Content-Type")
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		processed = true
		page.Title = service.extractTitle(e)
		page.Description = service.cleanContent(service.extractDescription(e))
		page.Content = service.cleanContent(service.extractContent(e))
		if lang := e.Attr("lang"); lang != "" {
			page.Metadata["lang"] = lang
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		scrapeErr = err
		if r != nil {
			statusCode = r.StatusCode
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				scrapeErr = fmt.Errorf("scraper panic: %v", r)
			}
		}()
		if err := c.Visit(page.URL); err != nil && scrapeErr == nil {
			scrapeErr = err
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		service.logger.Warn("Page fetch timed out", "url", page.URL, "duration", time.Since(startTime))
		return nil, models.NewTimeoutError("SCRAPER_TIMEOUT", "page fetch timed out").WithCause(ctx.Err())
	}

	switch {
	case scrapeErr != nil:
		err = fmt.Errorf("fetching %s (HTTP %d): %w", page.URL, statusCode, scrapeErr)
	case !processed:
		err = fmt.Errorf("no HTML content at %s (HTTP %d)", page.URL, statusCode)
	case page.Content == "" && page.Description == "":
		err = fmt.Errorf("no readable text at %s", page.URL)
	}

	service.logger.LogService("scraper", "fetch_page", time.Since(startTime), map[string]interface{}{
		"url":            page.URL,
		"status_code":    statusCode,
		"content_length": len(page.Content),
		"has_title":      page.Title != "",
	}, err)

	if err != nil {
		return nil, models.WrapExternalError("SCRAPER", err)
	}
	return page, nil
}

// extractContent collects visible body text, falling back to paragraphs.
func (service *ScraperService) extractContent(e *colly.HTMLElement) string {
	for _, sel := range []string{"article", "main", "[role='main']", "#content", ".content"} {
		if text := visibleText(e.DOM.Find(sel).First()); len(text) > 200 {
			return text
		}
	}

	paragraphs := e.ChildTexts("p")
	if joined := strings.Join(paragraphs, "\n\n"); len(strings.TrimSpace(joined)) > 0 {
		return joined
	}
	return visibleText(e.DOM.Find("body"))
}

func visibleText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	clone := sel.Clone()
	clone.Find("*").Each(func(_ int, s *goquery.Selection) {
		if skipTags[strings.ToLower(goquery.NodeName(s))] {
			s.Remove()
		}
	})
	return strings.TrimSpace(clone.Text())
}

func (service *ScraperService) extractTitle(e *colly.HTMLElement) string {
	selectors := []string{
		"meta[property='og:title']",
	}
	for _, sel := range selectors {
		if title := strings.TrimSpace(e.ChildAttr(sel, "content")); title != "" {
			return title
		}
	}
	for _, sel := range []string{"article h1", "h1", "title"} {
		if title := strings.TrimSpace(e.ChildText(sel)); title != "" {
			return whitespacePattern.ReplaceAllString(title, " ")
		}
	}
	return ""
}

func (service *ScraperService) extractDescription(e *colly.HTMLElement) string {
	metaSelectors := []string{
		"meta[name='description']", "meta[property='og:description']",
		"meta[name='twitter:description']", "meta[itemprop='description']",
	}
	for _, sel := range metaSelectors {
		if desc := strings.TrimSpace(e.ChildAttr(sel, "content")); desc != "" {
			return desc
		}
	}
	return ""
}

func (service *ScraperService) cleanContent(content string) string {
	if content == "" {
		return content
	}

	content = whitespacePattern.ReplaceAllString(content, " ")
	for _, re := range noisePatterns {
		content = re.ReplaceAllString(content, "")
	}
	content = strings.TrimSpace(content)

	if limit := service.config.MaxContentSize; limit > 0 && len(content) > limit {
		content = strings.ToValidUTF8(content[:limit], "") + "..."
	}
	return content
}
