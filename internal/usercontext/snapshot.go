package usercontext

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/cyclenlu/internal/domain"
)

const schemaVersion = 1

var errUnsupportedSchema = errors.New("unsupported context schema version")

type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	SavedAt       time.Time       `json:"savedAt"`
	Context       json.RawMessage `json:"context"`
}

func encodeSnapshot(c UserContext, savedAt time.Time) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return json.Marshal(envelope{SchemaVersion: schemaVersion, SavedAt: savedAt.UTC(), Context: body})
}

// decodeSnapshot accepts the versioned envelope and, for records written
// before it existed, a bare UserContext object.
func decodeSnapshot(data []byte, userID string, maxHistory, maxSymptoms int) (UserContext, error) {
	var head struct {
		SchemaVersion *int            `json:"schemaVersion"`
		Context       json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return UserContext{}, fmt.Errorf("decode context record: %w", err)
	}

	body := json.RawMessage(data)
	if head.SchemaVersion != nil {
		if *head.SchemaVersion != schemaVersion {
			return UserContext{}, fmt.Errorf("%w: %d", errUnsupportedSchema, *head.SchemaVersion)
		}
		body = head.Context
	}

	var c UserContext
	if err := json.Unmarshal(body, &c); err != nil {
		return UserContext{}, fmt.Errorf("decode context body: %w", err)
	}
	if c.UserID == "" {
		c.UserID = userID
	}
	if c.ConversationHistory == nil {
		c.ConversationHistory = []Turn{}
	}
	if c.RecentSymptoms == nil {
		c.RecentSymptoms = []domain.Symptom{}
	}
	if n := len(c.ConversationHistory); n > maxHistory {
		c.ConversationHistory = c.ConversationHistory[n-maxHistory:]
	}
	if len(c.RecentSymptoms) > maxSymptoms {
		c.RecentSymptoms = c.RecentSymptoms[:maxSymptoms]
	}
	return c, nil
}
