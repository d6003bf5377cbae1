package models

import (
	"math"
	"strings"
)

const (
	GradeToolName       = "give_relevance_score"
	ScoreArgument       = "relevanceScore"
	ExplanationArgument = "explanation"
)

// GradingResult is the grader's judgment on a 0-1 scale.
type GradingResult struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation,omitempty"`
}

// IsGradingMessage reports whether m carries a relevance judgment.
func IsGradingMessage(m Message) bool {
	req, ok := m.(ToolRequestMessage)
	return ok && len(req.ToolCalls) > 0 && req.ToolCalls[0].Name == GradeToolName
}

// ParseGrading extracts the judgment from a grading message.
func ParseGrading(m Message) (GradingResult, error) {
	var calls []ToolCall
	switch msg := m.(type) {
	case ToolRequestMessage:
		calls = msg.ToolCalls
	case UserMessage, AssistantMessage, ToolResultMessage:
		return GradingResult{}, ErrNoJudgment.WithMetadata("role", string(m.Role()))
	default:
		return GradingResult{}, ErrNoJudgment
	}
	if len(calls) == 0 {
		return GradingResult{}, ErrNoJudgment
	}

	raw, ok := calls[0].Arguments[ScoreArgument]
	if !ok {
		return GradingResult{}, ErrNonNumericScore.WithMetadata("reason", "missing "+ScoreArgument)
	}
	score, ok := toFloat(raw)
	if !ok || math.IsNaN(score) || math.IsInf(score, 0) {
		return GradingResult{}, ErrNonNumericScore.WithMetadata("value", raw)
	}
	if score < 0 || score > 1 {
		return GradingResult{}, ErrScoreOutOfRange.WithMetadata("value", score)
	}

	explanation, _ := calls[0].Arguments[ExplanationArgument].(string)
	return GradingResult{Score: score, Explanation: strings.TrimSpace(explanation)}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
