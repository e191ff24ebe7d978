package memory

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsightsPerKind is how many records of each kind feed the insights panel.
const InsightsPerKind = 2

// Insight is one card of the insights panel.
type Insight struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Meta   string `json:"meta"`
}

// Insights loads the newest records of each kind and renders them as cards,
// grouped by kind in a fixed order.
func Insights(ctx context.Context, store MemoryStore, userID, sessionID string) ([]Insight, error) {
	recent, err := store.Recent(ctx, userID, sessionID, InsightsPerKind)
	if err != nil {
		return nil, fmt.Errorf("load recent records: %w", err)
	}
	return BuildInsights(recent), nil
}

func BuildInsights(r Recent) []Insight {
	out := make([]Insight, 0, len(r.Emotions)+len(r.Thoughts)+len(r.Sessions)+len(r.Worries))
	for _, e := range r.Emotions {
		out = append(out, Insight{
			ID:     e.ID,
			Title:  "Emotion: " + e.Emotion,
			Detail: fmt.Sprintf("Intensity %v, triggers: %s", e.Intensity, compactJSON(e.Triggers)),
			Meta:   "Emotional State",
		})
	}
	for _, t := range r.Thoughts {
		out = append(out, Insight{
			ID:     t.ID,
			Title:  t.Summary,
			Detail: compactJSON(t.Structured),
			Meta:   "Externalized Thoughts",
		})
	}
	for _, s := range r.Sessions {
		step := s.MicroStep
		if step == "" {
			step = "N/A"
		}
		out = append(out, Insight{
			ID:     s.ID,
			Title:  s.Summary,
			Detail: fmt.Sprintf("Stressor: %s • Micro-step: %s", s.KeyStressor, step),
			Meta:   "Saved Session",
		})
	}
	for _, w := range r.Worries {
		out = append(out, Insight{
			ID:     w.ID,
			Title:  "Parked worry: " + w.Worry,
			Detail: "Review: " + w.ReviewTime,
			Meta:   "Parked Worry",
		})
	}
	return out
}

func compactJSON(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
