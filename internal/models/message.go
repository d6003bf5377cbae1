package models

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleToolRequest Role = "tool_request"
	RoleToolResult  Role = "tool_result"
)

// Message is one turn of the conversation. The set of implementations is
// closed: UserMessage, AssistantMessage, ToolRequestMessage, ToolResultMessage.
type Message interface {
	Role() Role
	Text() string
	MessageID() string
	sealed()
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type UserMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AssistantMessage is free text produced by a node; Node names the producer.
type AssistantMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Node      string    `json:"node"`
	CreatedAt time.Time `json:"created_at"`
}

type ToolRequestMessage struct {
	ID        string     `json:"id"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Node      string     `json:"node"`
	CreatedAt time.Time  `json:"created_at"`
}

type ToolResultMessage struct {
	ID         string    `json:"id"`
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Content    string    `json:"content"`
	IsError    bool      `json:"is_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m UserMessage) Role() Role        { return RoleUser }
func (m UserMessage) Text() string      { return m.Content }
func (m UserMessage) MessageID() string { return m.ID }
func (UserMessage) sealed()             {}

func (m AssistantMessage) Role() Role        { return RoleAssistant }
func (m AssistantMessage) Text() string      { return m.Content }
func (m AssistantMessage) MessageID() string { return m.ID }
func (AssistantMessage) sealed()             {}

func (m ToolRequestMessage) Role() Role        { return RoleToolRequest }
func (m ToolRequestMessage) Text() string      { return m.Content }
func (m ToolRequestMessage) MessageID() string { return m.ID }
func (ToolRequestMessage) sealed()             {}

func (m ToolResultMessage) Role() Role        { return RoleToolResult }
func (m ToolResultMessage) Text() string      { return m.Content }
func (m ToolResultMessage) MessageID() string { return m.ID }
func (ToolResultMessage) sealed()             {}

func NewUserMessage(content string) UserMessage {
	return UserMessage{ID: newMessageID(), Content: content, CreatedAt: time.Now().UTC()}
}

func NewAssistantMessage(node, content string) AssistantMessage {
	return AssistantMessage{ID: newMessageID(), Content: content, Node: node, CreatedAt: time.Now().UTC()}
}

// NewToolRequestMessage copies calls so the message never aliases caller memory.
func NewToolRequestMessage(node, content string, calls []ToolCall) ToolRequestMessage {
	copied := make([]ToolCall, len(calls))
	for i, call := range calls {
		copied[i] = call.Clone()
	}
	return ToolRequestMessage{ID: newMessageID(), Content: content, ToolCalls: copied, Node: node, CreatedAt: time.Now().UTC()}
}

func NewToolResultMessage(call ToolCall, content string, isError bool) ToolResultMessage {
	return ToolResultMessage{
		ID:         newMessageID(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		IsError:    isError,
		CreatedAt:  time.Now().UTC(),
	}
}

func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Arguments != nil {
		out.Arguments = make(map[string]any, len(c.Arguments))
		for k, v := range c.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

func NewToolCallID() string {
	return "call_" + uuid.New().String()
}

func newMessageID() string {
	return uuid.New().String()
}

// envelope is the wire form of a Message: a type tag plus the variant body.
type envelope struct {
	Type    Role            `json:"type"`
	Message json.RawMessage `json:"message"`
}

func MarshalMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Role(), Message: body})
}

func UnmarshalMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case RoleUser:
		var m UserMessage
		err := json.Unmarshal(env.Message, &m)
		return m, err
	case RoleAssistant:
		var m AssistantMessage
		err := json.Unmarshal(env.Message, &m)
		return m, err
	case RoleToolRequest:
		var m ToolRequestMessage
		err := json.Unmarshal(env.Message, &m)
		return m, err
	case RoleToolResult:
		var m ToolResultMessage
		err := json.Unmarshal(env.Message, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
