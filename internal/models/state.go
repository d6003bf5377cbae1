package models

import (
	json "github.com/goccy/go-json"
)

// State is the append-only conversation log shared by the workflow nodes.
// The zero value is an empty state. A State never changes after it is
// returned: Append builds a new backing array.
type State struct {
	messages []Message
}

func NewState(messages ...Message) State {
	return State{}.Append(messages...)
}

// Append returns a new state holding the receiver's messages followed by
// messages, in order. Appending nothing returns an equal state.
func (s State) Append(messages ...Message) State {
	if len(messages) == 0 {
		return s
	}
	next := make([]Message, 0, len(s.messages)+len(messages))
	next = append(next, s.messages...)
	next = append(next, messages...)
	return State{messages: next}
}

// Merge is the state reducer: plain concatenation, no dedup, no reordering.
func Merge(a, b State) State {
	return a.Append(b.messages...)
}

func (s State) Len() int {
	return len(s.messages)
}

func (s State) At(i int) Message {
	return s.messages[i]
}

// Messages returns a copy of the log.
func (s State) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// First is the original request of the run.
func (s State) First() (Message, bool) {
	if len(s.messages) == 0 {
		return nil, false
	}
	return s.messages[0], true
}

// Last is the output of the most recent node.
func (s State) Last() (Message, bool) {
	if len(s.messages) == 0 {
		return nil, false
	}
	return s.messages[len(s.messages)-1], true
}

// OriginalRequest returns the content of the seeding user message.
func (s State) OriginalRequest() (string, error) {
	first, ok := s.First()
	if !ok {
		return "", ErrEmptyState
	}
	user, ok := first.(UserMessage)
	if !ok {
		return "", NewPreconditionError("NO_USER_REQUEST", "first message is not a user message").
			WithMetadata("role", string(first.Role()))
	}
	return user.Content, nil
}

// LatestToolResults returns the most recent contiguous block of tool results,
// that is the output of the latest tool invocation anywhere in the log.
func (s State) LatestToolResults() []ToolResultMessage {
	end := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if _, ok := s.messages[i].(ToolResultMessage); ok {
			end = i
			break
		}
	}
	if end < 0 {
		return nil
	}

	start := end
	for start > 0 {
		if _, ok := s.messages[start-1].(ToolResultMessage); !ok {
			break
		}
		start--
	}

	results := make([]ToolResultMessage, 0, end-start+1)
	for i := start; i <= end; i++ {
		results = append(results, s.messages[i].(ToolResultMessage))
	}
	return results
}

// CountFromNode counts messages produced by the named node.
func (s State) CountFromNode(node string) int {
	count := 0
	for _, m := range s.messages {
		if ProducedBy(m) == node {
			count++
		}
	}
	return count
}

// LatestFromNode returns the most recent message produced by the named node.
func (s State) LatestFromNode(node string) (Message, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if ProducedBy(s.messages[i]) == node {
			return s.messages[i], true
		}
	}
	return nil, false
}

// ProducedBy reports the node tag of a message; user and tool-result messages
// carry none.
func ProducedBy(m Message) string {
	switch msg := m.(type) {
	case AssistantMessage:
		return msg.Node
	case ToolRequestMessage:
		return msg.Node
	case UserMessage, ToolResultMessage:
		return ""
	default:
		return ""
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(s.messages))
	for i, m := range s.messages {
		data, err := MarshalMessage(m)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	return json.Marshal(struct {
		Messages []json.RawMessage `json:"messages"`
	}{Messages: raw})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var wire struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	messages := make([]Message, 0, len(wire.Messages))
	for _, raw := range wire.Messages {
		m, err := UnmarshalMessage(raw)
		if err != nil {
			return err
		}
		messages = append(messages, m)
	}
	s.messages = messages
	return nil
}
