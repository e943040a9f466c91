package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/cyclenlu/internal/domain"
)

// MockClassifier is a keyword classifier for local runs without a model.
// It is deterministic for a fixed clock.
type MockClassifier struct {
	now func() time.Time
}

func NewMockClassifier(now func() time.Time) *MockClassifier {
	if now == nil {
		now = time.Now
	}
	return &MockClassifier{now: now}
}

func (c *MockClassifier) Mode() string { return "mock" }

var mockSymptomWords = []string{
	"cramps", "cramping", "bloated", "bloating", "headache", "tired", "exhausted",
	"fatigue", "sad", "depressed", "angry", "irritable", "anxious", "anxiety", "acne",
}

func (c *MockClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	text := strings.ToLower(req.Message)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	})
	has := func(w string) bool {
		for _, x := range words {
			if x == w {
				return true
			}
		}
		return false
	}

	symptoms := []string{}
	for _, w := range mockSymptomWords {
		if has(w) {
			symptoms = append(symptoms, w)
		}
	}

	dates := []string{}
	today := c.now().UTC()
	switch {
	case has("today"):
		dates = append(dates, today.Format("2006-01-02"))
	case has("yesterday"):
		dates = append(dates, today.AddDate(0, 0, -1).Format("2006-01-02"))
	}

	intent := domain.Intent{Primary: domain.IntentHealthQuery, Subtype: "general_question", Confidence: 0.4}
	switch {
	case has("period") && (has("started") || has("start") || has("began") || has("came")):
		intent = domain.Intent{Primary: domain.IntentCycleTracking, Subtype: domain.SubtypePeriodStartLogging, Confidence: 0.9}
	case len(symptoms) > 0:
		intent = domain.Intent{Primary: domain.IntentSymptomLogging, Subtype: "symptom_report", Confidence: 0.8}
	case has("pattern") || has("usually") || has("trend"):
		intent = domain.Intent{Primary: domain.IntentPatternAnalysis, Subtype: "cycle_pattern", Confidence: 0.6}
	case has("reset") || has("delete") || has("settings") || has("help"):
		intent = domain.Intent{Primary: domain.IntentSystemCommand, Subtype: words[0], Confidence: 0.6}
	}

	payload, err := json.Marshal(map[string]any{
		"temporal": map[string]any{
			"dates":       dates,
			"cycle_day":   nil,
			"cycle_phase": nil,
			"duration":    nil,
		},
		"symptoms":        symptoms,
		"intensity":       nil,
		"mood":            nil,
		"body_area":       nil,
		"context_factors": []string{},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal mock entities: %w", err)
	}
	var entities domain.RawEntities
	if err := json.Unmarshal(payload, &entities); err != nil {
		return Result{}, fmt.Errorf("decode mock entities: %w", err)
	}
	return Result{Intent: intent, Entities: entities}, nil
}
