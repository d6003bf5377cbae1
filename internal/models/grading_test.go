package models_test

import (
	"errors"
	"strings"
	"testing"

	"picks-pipeline/internal/models"
)

func gradeMessage(args map[string]any) models.Message {
	return models.NewToolRequestMessage("grade", "", []models.ToolCall{{ID: "g", Name: models.GradeToolName, Arguments: args}})
}

func TestParseGrading(t *testing.T) {
	tests := []struct {
		name    string
		msg     models.Message
		want    float64
		wantErr error
	}{
		{"float score", gradeMessage(map[string]any{models.ScoreArgument: 0.82, models.ExplanationArgument: " good match "}), 0.82, nil},
		{"integer bound", gradeMessage(map[string]any{models.ScoreArgument: 1}), 1, nil},
		{"assistant text", models.NewAssistantMessage("grade", "0.9"), 0, models.ErrNoJudgment},
		{"no calls", models.NewToolRequestMessage("grade", "", nil), 0, models.ErrNoJudgment},
		{"missing score", gradeMessage(map[string]any{}), 0, models.ErrNonNumericScore},
		{"string score", gradeMessage(map[string]any{models.ScoreArgument: "0.8"}), 0, models.ErrNonNumericScore},
		{"above one", gradeMessage(map[string]any{models.ScoreArgument: 7.5}), 0, models.ErrScoreOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.ParseGrading(tt.msg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Score != tt.want {
				t.Errorf("Expected score %v, got %v", tt.want, got.Score)
			}
		})
	}

	got, _ := models.ParseGrading(gradeMessage(map[string]any{models.ScoreArgument: 0.5, models.ExplanationArgument: " partial "}))
	if got.Explanation != "partial" {
		t.Errorf("Expected trimmed explanation, got %q", got.Explanation)
	}
}

func TestIsGradingMessage(t *testing.T) {
	if !models.IsGradingMessage(gradeMessage(nil)) {
		t.Error("Expected grading message")
	}
	search := models.NewToolRequestMessage("agent", "", []models.ToolCall{{Name: "search"}})
	if models.IsGradingMessage(search) {
		t.Error("Search request is not a grading message")
	}
	if models.IsGradingMessage(models.NewUserMessage("x")) {
		t.Error("User message is not a grading message")
	}
}

func TestParseRecommendations(t *testing.T) {
	answer := "1. The Expanse on Prime Video\n\n- **Dark** on Netflix.\n* Person of Interest on Hulu\nSomething without a platform\n"
	recs := models.ParseRecommendations(answer)

	if len(recs) != 4 {
		t.Fatalf("Expected 4 recommendations, got %d: %+v", len(recs), recs)
	}
	want := []struct{ title, platform string }{
		{"The Expanse", "Prime Video"},
		{"Dark", "Netflix"},
		{"Person of Interest", "Hulu"},
		{"Something without a platform", ""},
	}
	for i, w := range want {
		if recs[i].Title != w.title || recs[i].Platform != w.platform {
			t.Errorf("rec %d: expected %q/%q, got %q/%q", i, w.title, w.platform, recs[i].Title, recs[i].Platform)
		}
		if recs[i].Rank != i+1 {
			t.Errorf("rec %d: expected rank %d, got %d", i, i+1, recs[i].Rank)
		}
	}

	if got := models.ParseRecommendations("  \n\n"); len(got) != 0 {
		t.Errorf("Expected no recommendations, got %v", got)
	}

	splits := []struct {
		line, title, platform string
	}{
		{"İİİ Show on Netflix", "İİİ Show", "Netflix"},
		{strings.Repeat("\xff", 10) + " on X", strings.Repeat("\xff", 10), "X"},
		{"Murder on the Orient Express ON Prime Video", "Murder on the Orient Express", "Prime Video"},
		{"on Netflix", "on Netflix", ""},
	}
	for _, s := range splits {
		recs := models.ParseRecommendations(s.line)
		if len(recs) != 1 {
			t.Fatalf("%q: expected 1 recommendation, got %d", s.line, len(recs))
		}
		if recs[0].Title != s.title || recs[0].Platform != s.platform {
			t.Errorf("%q: expected %q/%q, got %q/%q", s.line, s.title, s.platform, recs[0].Title, recs[0].Platform)
		}
	}
}

func TestAppErrorMatching(t *testing.T) {
	withMeta := models.ErrRefinementLimit.WithMetadata("refinements", 3)
	if !errors.Is(withMeta, models.ErrRefinementLimit) {
		t.Error("Metadata must not change error identity")
	}
	if errors.Is(withMeta, models.ErrNoJudgment) {
		t.Error("Different codes must not match")
	}
	if _, ok := models.ErrRefinementLimit.Metadata["refinements"]; ok {
		t.Error("WithMetadata mutated the sentinel")
	}

	cause := errors.New("dial tcp: refused")
	wrapped := models.WrapExternalError("search", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("External error must unwrap to its cause")
	}
	if models.ErrorTypeOf(wrapped) != models.ErrorTypeExternal {
		t.Errorf("Expected external type, got %s", models.ErrorTypeOf(wrapped))
	}
	if models.ErrorTypeOf(cause) != models.ErrorTypeInternal {
		t.Errorf("Plain errors classify as internal, got %s", models.ErrorTypeOf(cause))
	}
}
