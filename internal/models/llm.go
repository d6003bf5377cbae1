package models

import "time"

type SchemaType string

const (
	SchemaObject  SchemaType = "object"
	SchemaString  SchemaType = "string"
	SchemaNumber  SchemaType = "number"
	SchemaInteger SchemaType = "integer"
	SchemaBoolean SchemaType = "boolean"
)

// Schema is the subset of JSON schema used to declare tool parameters.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
}

// ToolSpec declares an invokable capability to the model.
type ToolSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type ModelRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	// ToolChoice forces a call to the named tool; the model may not answer in text.
	ToolChoice  string
	Temperature *float32
	MaxTokens   int32
}

type ModelResponse struct {
	Content        string
	ToolCalls      []ToolCall
	FinishReason   string
	TokensUsed     int
	ProcessingTime time.Duration
}

// Float64Ptr is a small helper for schema bounds.
func Float64Ptr(v float64) *float64 {
	return &v
}

func Float32Ptr(v float32) *float32 {
	return &v
}
