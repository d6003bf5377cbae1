package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
)

// GeminiService is the chat model behind every model-backed workflow node.
type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger
}

func NewGeminiService(config config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if config.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiService{
		client: client,
		config: config,
		logger: log,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini API: %w", err)
	}

	log.Info("AI service initialized - Gemini API",
		"model", config.Model,
		"max_tokens", config.MaxTokens,
		"temperature", config.Temperature,
	)

	return service, nil
}

func (service *GeminiService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), service.config.Timeout)
	defer cancel()

	result, err := service.client.Models.GenerateContent(ctx, service.config.Model, genai.Text("Hello"), nil)
	if err != nil {
		return fmt.Errorf("test generation failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return errors.New("test generation failed: no candidates")
	}

	service.logger.Info("Gemini test connection successful")
	return nil
}

// Generate sends one model request, retrying transport failures up to
// MaxRetries times with a linear delay.
func (service *GeminiService) Generate(ctx context.Context, request *models.ModelRequest) (*models.ModelResponse, error) {
	startTime := time.Now()

	var response *models.ModelResponse
	var err error
	attempts := max(service.config.MaxRetries, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		response, err = service.makeGenerationRequest(ctx, request)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, models.NewTimeoutError("GEMINI_TIMEOUT", "content generation timed out").WithCause(ctx.Err())
		}

		if attempt < attempts {
			service.logger.WithFields(logger.Fields{
				"attempt":     attempt,
				"max_retries": attempts,
				"error":       err,
			}).Warn("Generate content failed")

			select {
			case <-time.After(service.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, models.NewTimeoutError("GEMINI_TIMEOUT", "content generation timed out").WithCause(ctx.Err())
			}
		}
	}

	if err != nil {
		service.logger.LogService("gemini", "generate_content", time.Since(startTime), map[string]interface{}{
			"messages": len(request.Messages),
			"tools":    len(request.Tools),
			"attempts": attempts,
		}, err)
		return nil, models.WrapExternalError("GEMINI", err)
	}

	response.ProcessingTime = time.Since(startTime)

	service.logger.LogService("gemini", "generate_content", response.ProcessingTime, map[string]interface{}{
		"messages":        len(request.Messages),
		"tool_choice":     request.ToolChoice,
		"response_length": len(response.Content),
		"tool_calls":      len(response.ToolCalls),
		"tokens_used":     response.TokensUsed,
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, req *models.ModelRequest) (*models.ModelResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, toContents(req.Messages), service.generationConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return parseGenerateResponse(result, req)
}

func (service *GeminiService) generationConfig(req *models.ModelRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		cfg.Temperature = &temp
	}

	if req.MaxTokens != 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	} else {
		cfg.MaxOutputTokens = int32(service.config.MaxTokens)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  toSchema(spec.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		calling := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
		if req.ToolChoice != "" {
			calling = &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.ToolChoice},
			}
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: calling}
	}

	return cfg
}

// toContents maps the conversation onto Gemini turns. Tool requests become
// model function calls; tool results become user function responses.
// Consecutive parts from the same side are merged into one turn.
func toContents(messages []models.Message) []*genai.Content {
	var contents []*genai.Content
	push := func(role genai.Role, parts ...*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == string(role) {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	for _, m := range messages {
		switch msg := m.(type) {
		case models.UserMessage:
			push(genai.RoleUser, genai.NewPartFromText(msg.Content))
		case models.AssistantMessage:
			if msg.Content != "" {
				push(genai.RoleModel, genai.NewPartFromText(msg.Content))
			}
		case models.ToolRequestMessage:
			parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Arguments,
				}})
			}
			push(genai.RoleModel, parts...)
		case models.ToolResultMessage:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			push(genai.RoleUser, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.ToolName,
				Response: map[string]any{key: msg.Content},
			}})
		}
	}
	return contents
}

func toSchema(s *models.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        schemaType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Minimum:     s.Minimum,
		Maximum:     s.Maximum,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toSchema(prop)
		}
	}
	return out
}

func schemaType(t models.SchemaType) genai.Type {
	switch t {
	case models.SchemaObject:
		return genai.TypeObject
	case models.SchemaString:
		return genai.TypeString
	case models.SchemaNumber:
		return genai.TypeNumber
	case models.SchemaInteger:
		return genai.TypeInteger
	case models.SchemaBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}

func parseGenerateResponse(result *genai.GenerateContentResponse, req *models.ModelRequest) (*models.ModelResponse, error) {
	if result == nil || len(result.Candidates) == 0 {
		if result != nil && result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked: %s", result.PromptFeedback.BlockReason)
		}
		return nil, errors.New("no response candidates generated")
	}

	candidate := result.Candidates[0]
	response := &models.ModelResponse{FinishReason: string(candidate.FinishReason)}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.FunctionCall != nil {
				response.ToolCalls = append(response.ToolCalls, models.ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
				continue
			}
			text.WriteString(part.Text)
		}
	}
	response.Content = text.String()

	if result.UsageMetadata != nil && result.UsageMetadata.TotalTokenCount > 0 {
		response.TokensUsed = int(result.UsageMetadata.TotalTokenCount)
	} else {
		response.TokensUsed = estimateTokens(req) + len(response.Content)/4
	}
	return response, nil
}

func estimateTokens(req *models.ModelRequest) int {
	n := len(req.SystemPrompt)
	for _, m := range req.Messages {
		n += len(m.Text())
	}
	return n / 4
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := service.Generate(testCtx, &models.ModelRequest{
		Messages:    []models.Message{models.NewUserMessage("Respond with 'OK' if you can process this request")},
		Temperature: models.Float32Ptr(0),
		MaxTokens:   10,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Content == "" {
		return errors.New("empty response received")
	}
	return nil
}

func (service *GeminiService) Close() error {
	service.logger.Info("Gemini client closed")
	return nil
}
