// Package usercontext keeps the rolling per-user conversation context: the
// last few turns, the current cycle phase, the last period start and recent
// symptoms. Contexts are cached in memory and written through to a
// memory.Store after every change.
package usercontext

import (
	"time"

	"github.com/antoniostano/cyclenlu/internal/domain"
)

const (
	DefaultMaxHistory  = 5
	DefaultMaxSymptoms = 10
)

// Turn is one processed user message. It is never modified after it is
// appended to a context.
type Turn struct {
	ID        string                    `json:"id,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
	Message   string                    `json:"message"`
	Intent    *domain.Intent            `json:"intent,omitempty"`
	Entities  *domain.ProcessedEntities `json:"entities,omitempty"`
}

// UserContext is the durable state kept for one user. The JSON keys match
// the records written by earlier releases.
type UserContext struct {
	UserID              string           `json:"userId"`
	ConversationHistory []Turn           `json:"conversationHistory"`
	CurrentCyclePhase   domain.Phase     `json:"currentCyclePhase,omitempty"`
	LastPeriodStart     *time.Time       `json:"lastPeriodStart,omitempty"`
	RecentSymptoms      []domain.Symptom `json:"recentSymptoms"`
}

// Delta is the set of changes Update may apply. Zero fields are ignored.
type Delta struct {
	Message   string
	Intent    *domain.Intent
	Entities  *domain.ProcessedEntities
	CycleData *domain.CycleData
	Symptoms  []domain.Symptom
}

func newContext(userID string) UserContext {
	return UserContext{
		UserID:              userID,
		ConversationHistory: []Turn{},
		RecentSymptoms:      []domain.Symptom{},
	}
}

// RecentMessages returns up to n of the newest history messages, oldest first.
func (c UserContext) RecentMessages(n int) []string {
	h := c.ConversationHistory
	if n < len(h) {
		h = h[len(h)-n:]
	}
	out := make([]string, 0, len(h))
	for _, t := range h {
		out = append(out, t.Message)
	}
	return out
}

// Clone returns a deep copy of c.
func (c UserContext) Clone() UserContext {
	out := c
	out.ConversationHistory = make([]Turn, 0, len(c.ConversationHistory))
	for _, t := range c.ConversationHistory {
		out.ConversationHistory = append(out.ConversationHistory, t.clone())
	}
	out.RecentSymptoms = append(make([]domain.Symptom, 0, len(c.RecentSymptoms)), c.RecentSymptoms...)
	if c.LastPeriodStart != nil {
		ts := *c.LastPeriodStart
		out.LastPeriodStart = &ts
	}
	return out
}

func (t Turn) clone() Turn {
	out := t
	if t.Intent != nil {
		i := *t.Intent
		out.Intent = &i
	}
	if t.Entities != nil {
		e := t.Entities.Clone()
		out.Entities = &e
	}
	return out
}
