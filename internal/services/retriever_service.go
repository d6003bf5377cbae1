package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
	"picks-pipeline/internal/workflow"
)

// RetrieverService queries the show catalog's semantic retrieval endpoint.
type RetrieverService struct {
	client *jsonClient
	config config.RetrieverConfig
	logger *logger.Logger
}

type retrieveRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
}

type retrieveResponse struct {
	Documents []CatalogDocument `json:"documents"`
}

type CatalogDocument struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func NewRetrieverService(config config.RetrieverConfig, log *logger.Logger) (*RetrieverService, error) {
	if config.URL == "" {
		return nil, errors.New("retriever URL required")
	}

	service := &RetrieverService{
		client: newJSONClient(clientOptions{
			name:       "retriever",
			timeout:    config.Timeout,
			maxRetries: 2,
		}, log),
		config: config,
		logger: log,
	}

	log.Info("Retriever service initialized",
		"url", config.URL,
		"collection", config.Collection,
		"max_results", config.MaxResults)

	return service, nil
}

func (service *RetrieverService) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        workflow.RetrieverToolName,
		Description: "Look up shows in the curated catalog by meaning. Use for genre, mood or theme requests the catalog can answer.",
		Parameters: &models.Schema{
			Type: models.SchemaObject,
			Properties: map[string]*models.Schema{
				"query": {
					Type:        models.SchemaString,
					Description: "What the viewer is looking for.",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (service *RetrieverService) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	docs, err := service.Retrieve(ctx, query)
	if err != nil {
		return "", err
	}
	return formatDocuments(docs), nil
}

func (service *RetrieverService) Retrieve(ctx context.Context, query string) ([]CatalogDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.NewValidationError("EMPTY_QUERY", "retrieval query cannot be empty")
	}

	startTime := time.Now()
	var resp retrieveResponse
	err := service.client.postJSON(ctx, strings.TrimRight(service.config.URL, "/")+"/query", nil, retrieveRequest{
		Collection: service.config.Collection,
		Query:      query,
		TopK:       service.config.MaxResults,
	}, &resp)
	if err != nil {
		service.logger.LogService("retriever", "retrieve", time.Since(startTime), map[string]interface{}{
			"query":      query,
			"collection": service.config.Collection,
		}, err)
		return nil, models.WrapExternalError("RETRIEVER", err)
	}

	docs := make([]CatalogDocument, 0, len(resp.Documents))
	for _, d := range resp.Documents {
		d.Content = cleanSnippet(d.Content)
		if d.Content == "" {
			continue
		}
		docs = append(docs, d)
	}

	service.logger.LogService("retriever", "retrieve", time.Since(startTime), map[string]interface{}{
		"query":     query,
		"documents": len(docs),
	}, nil)

	return docs, nil
}

// formatDocuments renders one document per block, most relevant first.
func formatDocuments(docs []CatalogDocument) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if d.Title != "" {
			fmt.Fprintf(&b, "%s: ", d.Title)
		}
		b.WriteString(d.Content)
		if platform := d.Metadata["platform"]; platform != "" {
			fmt.Fprintf(&b, " (%s)", platform)
		}
	}
	return b.String()
}

func (service *RetrieverService) HealthCheck(ctx context.Context) error {
	return service.client.healthCheck()
}
