package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/antoniostano/cyclenlu/internal/domain"
)

// ParseResult decodes a model reply. The reply must be a JSON object with an
// intent object; a missing or null entities value is read as empty.
func ParseResult(content []byte) (Result, error) {
	var shape struct {
		Intent   json.RawMessage `json:"intent"`
		Entities json.RawMessage `json:"entities"`
	}
	if err := json.Unmarshal(content, &shape); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if isNullJSON(shape.Intent) {
		return Result{}, fmt.Errorf("%w: missing intent", ErrMalformedResult)
	}

	var out Result
	if err := json.Unmarshal(shape.Intent, &out.Intent); err != nil {
		return Result{}, fmt.Errorf("%w: intent: %v", ErrMalformedResult, err)
	}
	if !isNullJSON(shape.Entities) {
		var entities domain.RawEntities
		if err := json.Unmarshal(shape.Entities, &entities); err != nil {
			return Result{}, fmt.Errorf("%w: entities: %v", ErrMalformedResult, err)
		}
		out.Entities = entities
	}
	return out, nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
