package workflow

import (
	"fmt"

	"picks-pipeline/internal/graph"
	"picks-pipeline/internal/models"
)

// Node names.
const (
	NodeAgent    = "agent"
	NodeSearch   = "search"
	NodeRetrieve = "retrieve"
	NodeGrade    = "grade"
	NodeRefine   = "refine"
	NodeGenerate = "generate"
)

// Route labels returned by the routers.
const (
	RouteSearch    = "search"
	RouteRetrieve  = "retrieve"
	RouteEnd       = "end"
	RouteYes       = "yes"
	RouteNo        = "no"
	RouteExhausted = "exhausted"
)

type FallbackPolicy string

const (
	// FallbackBestEffort answers from the latest context once refinements run out.
	FallbackBestEffort FallbackPolicy = "best_effort"
	// FallbackFail aborts the run with ErrRefinementLimit.
	FallbackFail FallbackPolicy = "fail"
)

type RefineRoute string

const (
	RefineToAgent  RefineRoute = "agent"
	RefineToSearch RefineRoute = "search"
)

// ShouldRetrieve decides whether the agent asked for retrieval, and which kind.
func ShouldRetrieve(state models.State) (string, error) {
	last, ok := state.Last()
	if !ok {
		return "", models.ErrEmptyState
	}

	switch msg := last.(type) {
	case models.ToolRequestMessage:
		if len(msg.ToolCalls) == 0 {
			return RouteEnd, nil
		}
		if msg.ToolCalls[0].Name == RetrieverToolName {
			return RouteRetrieve, nil
		}
		return RouteSearch, nil
	case models.UserMessage, models.AssistantMessage, models.ToolResultMessage:
		return RouteEnd, nil
	default:
		return "", fmt.Errorf("unexpected message type %T", last)
	}
}

// CheckRelevance compares the grader's score with threshold. It has no side
// effects and fails when the latest message carries no usable judgment.
func CheckRelevance(state models.State, threshold float64) (string, error) {
	last, ok := state.Last()
	if !ok {
		return "", models.ErrEmptyState
	}
	grading, err := models.ParseGrading(last)
	if err != nil {
		return "", err
	}
	if grading.Score >= threshold {
		return RouteYes, nil
	}
	return RouteNo, nil
}

// RelevanceRouter bounds the refine loop: once the state holds
// maxRefinements refinements, a failing grade routes to RouteExhausted
// (best effort) or aborts with ErrRefinementLimit.
func RelevanceRouter(threshold float64, maxRefinements int, fallback FallbackPolicy) graph.RouterFunc[models.State] {
	return func(state models.State) (string, error) {
		route, err := CheckRelevance(state, threshold)
		if err != nil || route == RouteYes {
			return route, err
		}

		refinements := state.CountFromNode(NodeRefine)
		if refinements < maxRefinements {
			return RouteNo, nil
		}
		if fallback == FallbackFail {
			return "", models.ErrRefinementLimit.
				WithMetadata("refinements", refinements).
				WithMetadata("threshold", threshold)
		}
		return RouteExhausted, nil
	}
}
