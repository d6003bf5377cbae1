package models

import (
	"regexp"
	"strings"
)

type Recommendation struct {
	Rank     int    `json:"rank"`
	Title    string `json:"title"`
	Platform string `json:"platform,omitempty"`
	Line     string `json:"line"`
}

var (
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)]|#+)\s*`)
	// The greedy title group splits on the last "on".
	titleOnPlatform = regexp.MustCompile(`(?i)^(.*\S)\s+on\s+(\S.*)$`)
)

// ParseRecommendations reads "Title on Platform" lines out of the generated
// answer. Lines without the " on " separator are kept with an empty platform.
func ParseRecommendations(answer string) []Recommendation {
	var recs []Recommendation
	for _, line := range strings.Split(answer, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		line = strings.TrimSpace(strings.Trim(line, "*_`"))
		if line == "" {
			continue
		}

		rec := Recommendation{Rank: len(recs) + 1, Title: line, Line: line}
		if m := titleOnPlatform.FindStringSubmatch(line); m != nil {
			rec.Title = strings.TrimSpace(strings.Trim(m[1], "*_\"'"))
			rec.Platform = strings.TrimSpace(strings.Trim(m[2], "*_.\"'"))
		}
		recs = append(recs, rec)
	}
	return recs
}
