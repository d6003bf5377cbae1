package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
	"picks-pipeline/internal/workflow"
)

// SearchService is the web search capability, backed by the Tavily API.
type SearchService struct {
	client *jsonClient
	config config.SearchConfig
	logger *logger.Logger
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

func NewSearchService(config config.SearchConfig, log *logger.Logger) (*SearchService, error) {
	if config.APIKey == "" {
		return nil, errors.New("search API key required")
	}

	service := &SearchService{
		client: newJSONClient(clientOptions{
			name:       "search",
			timeout:    config.Timeout,
			maxRetries: config.MaxRetries,
			rateLimit:  config.RateLimit,
		}, log),
		config: config,
		logger: log,
	}

	log.Info("Search service initialized",
		"base_url", config.BaseURL,
		"max_results", config.MaxResults,
		"rate_limit", config.RateLimit)

	return service, nil
}

func (service *SearchService) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        workflow.SearchToolName,
		Description: "Search the web for current information about TV shows: plots, reviews, ratings and which streaming platform carries them. Returns a JSON list of results.",
		Parameters: &models.Schema{
			Type: models.SchemaObject,
			Properties: map[string]*models.Schema{
				"query": {
					Type:        models.SchemaString,
					Description: "Search query.",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (service *SearchService) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	results, err := service.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encoding search results: %w", err)
	}
	return string(data), nil
}

// Search returns up to MaxResults cleaned results for query.
func (service *SearchService) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.NewValidationError("EMPTY_QUERY", "search query cannot be empty")
	}

	startTime := time.Now()
	var resp searchResponse
	err := service.client.postJSON(ctx, strings.TrimRight(service.config.BaseURL, "/")+"/search", nil, searchRequest{
		APIKey:      service.config.APIKey,
		Query:       query,
		MaxResults:  service.config.MaxResults,
		SearchDepth: "basic",
	}, &resp)
	if err != nil {
		service.logger.LogService("search", "search", time.Since(startTime), map[string]interface{}{
			"query": query,
		}, err)
		return nil, models.WrapExternalError("SEARCH", err)
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		r.Title = cleanSnippet(r.Title)
		r.Content = cleanSnippet(r.Content)
		if r.Content == "" && r.Title == "" {
			continue
		}
		results = append(results, r)
		if len(results) == service.config.MaxResults {
			break
		}
	}

	service.logger.LogService("search", "search", time.Since(startTime), map[string]interface{}{
		"query":   query,
		"results": len(results),
	}, nil)

	return results, nil
}

func (service *SearchService) HealthCheck(ctx context.Context) error {
	return service.client.healthCheck()
}
