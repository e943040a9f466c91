package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// RawEntities is the entity bag extracted by the classifier. Only symptoms and
// temporal are interpreted here; every other key is kept as raw JSON.
type RawEntities struct {
	Symptoms json.RawMessage
	Temporal *RawTemporal
	Other    map[string]json.RawMessage
}

// RawTemporal is the temporal section of RawEntities.
type RawTemporal struct {
	Dates      json.RawMessage
	CyclePhase json.RawMessage
	Other      map[string]json.RawMessage
}

// ProcessedEntities is RawEntities after normalization and date validation.
// Values that were not in the expected shape stay in Other untouched.
type ProcessedEntities struct {
	Symptoms []Symptom
	Temporal *ProcessedTemporal
	Other    map[string]json.RawMessage
}

// ProcessedTemporal holds validated dates and the (possibly backfilled) phase.
type ProcessedTemporal struct {
	Dates      []time.Time
	CyclePhase string
	Other      map[string]json.RawMessage
}

// ProcessEntities cleans raw classifier entities against the current time.
func ProcessEntities(raw RawEntities) ProcessedEntities {
	return ProcessEntitiesAt(raw, time.Now())
}

// ProcessEntitiesAt normalizes string symptoms and keeps only the dates that
// validate at now, in their original order. It never fails and the result
// shares no mutable containers with raw.
func ProcessEntitiesAt(raw RawEntities, now time.Time) ProcessedEntities {
	out := ProcessedEntities{Other: cloneRaw(raw.Other)}

	if texts, ok := decodeStrings(raw.Symptoms); ok {
		out.Symptoms = make([]Symptom, 0, len(texts))
		for _, s := range texts {
			out.Symptoms = append(out.Symptoms, NormalizeSymptom(s))
		}
	} else if len(raw.Symptoms) > 0 {
		out.Other = withRaw(out.Other, "symptoms", raw.Symptoms)
	}

	if raw.Temporal != nil {
		out.Temporal = processTemporal(*raw.Temporal, now)
	}
	return out
}

func processTemporal(raw RawTemporal, now time.Time) *ProcessedTemporal {
	t := &ProcessedTemporal{Other: cloneRaw(raw.Other)}

	if texts, ok := decodeStrings(raw.Dates); ok {
		t.Dates = make([]time.Time, 0, len(texts))
		for _, s := range texts {
			if v := ValidateDateAt(s, now); v.Valid {
				t.Dates = append(t.Dates, *v.NormalizedDate)
			}
		}
	} else if len(raw.Dates) > 0 {
		t.Other = withRaw(t.Other, "dates", raw.Dates)
	}

	if phase, ok := decodeString(raw.CyclePhase); ok {
		t.CyclePhase = phase
	} else if !isNull(raw.CyclePhase) {
		t.Other = withRaw(t.Other, "cycle_phase", raw.CyclePhase)
	}
	return t
}

// HasCyclePhase reports whether a phase was extracted or backfilled.
func (e ProcessedEntities) HasCyclePhase() bool {
	if e.Temporal == nil {
		return false
	}
	if e.Temporal.CyclePhase != "" {
		return true
	}
	_, ok := e.Temporal.Other["cycle_phase"]
	return ok
}

// FirstDate returns the earliest-listed validated date.
func (e ProcessedEntities) FirstDate() (time.Time, bool) {
	if e.Temporal == nil || len(e.Temporal.Dates) == 0 {
		return time.Time{}, false
	}
	return e.Temporal.Dates[0], true
}

// decodeStrings accepts null or a JSON array whose elements are all strings.
func decodeStrings(raw json.RawMessage) ([]string, bool) {
	if isNull(raw) {
		return nil, false
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	if out == nil {
		out = []string{}
	}
	return out, true
}

func decodeString(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", false
	}
	return out, true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func withRaw(m map[string]json.RawMessage, key string, v json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	m[key] = append(json.RawMessage(nil), v...)
	return m
}

// UnmarshalJSON splits the classifier payload into interpreted and raw keys.
func (e *RawEntities) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = RawEntities{}
	if v, ok := fields["symptoms"]; ok {
		e.Symptoms = v
		delete(fields, "symptoms")
	}
	if v, ok := fields["temporal"]; ok && !isNull(v) {
		var t RawTemporal
		if err := json.Unmarshal(v, &t); err == nil {
			e.Temporal = &t
			delete(fields, "temporal")
		}
	}
	if len(fields) > 0 {
		e.Other = fields
	}
	return nil
}

func (e RawEntities) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Other)+2)
	for k, v := range e.Other {
		out[k] = v
	}
	if len(e.Symptoms) > 0 {
		out["symptoms"] = e.Symptoms
	}
	if e.Temporal != nil {
		out["temporal"] = e.Temporal
	}
	return json.Marshal(out)
}

func (t *RawTemporal) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*t = RawTemporal{}
	if v, ok := fields["dates"]; ok {
		t.Dates = v
		delete(fields, "dates")
	}
	if v, ok := fields["cycle_phase"]; ok {
		t.CyclePhase = v
		delete(fields, "cycle_phase")
	}
	if len(fields) > 0 {
		t.Other = fields
	}
	return nil
}

func (t RawTemporal) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Other)+2)
	for k, v := range t.Other {
		out[k] = v
	}
	if len(t.Dates) > 0 {
		out["dates"] = t.Dates
	}
	if len(t.CyclePhase) > 0 {
		out["cycle_phase"] = t.CyclePhase
	}
	return json.Marshal(out)
}

func (e ProcessedEntities) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Other)+2)
	for k, v := range e.Other {
		out[k] = v
	}
	if e.Symptoms != nil {
		out["symptoms"] = e.Symptoms
	}
	if e.Temporal != nil {
		out["temporal"] = e.Temporal
	}
	return json.Marshal(out)
}

// UnmarshalJSON claims symptoms and temporal only when they have the shape
// MarshalJSON writes; anything else stays in Other as it was.
func (e *ProcessedEntities) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = ProcessedEntities{}
	if v, ok := fields["symptoms"]; ok {
		if symptoms, ok := decodeSymptoms(v); ok {
			e.Symptoms = symptoms
			delete(fields, "symptoms")
		}
	}
	if v, ok := fields["temporal"]; ok && isObject(v) {
		var t ProcessedTemporal
		if err := json.Unmarshal(v, &t); err == nil {
			e.Temporal = &t
			delete(fields, "temporal")
		}
	}
	if len(fields) > 0 {
		e.Other = fields
	}
	return nil
}

// decodeSymptoms accepts only an array of objects carrying both name and
// category, so a pass-through value such as [{"name":"x"}] is not mistaken
// for normalized symptoms.
func decodeSymptoms(raw json.RawMessage) ([]Symptom, bool) {
	var items []struct {
		Name      *string          `json:"name"`
		Category  *SymptomCategory `json:"category"`
		Intensity string           `json:"intensity"`
	}
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	out := make([]Symptom, 0, len(items))
	for _, it := range items {
		if it.Name == nil || it.Category == nil {
			return nil, false
		}
		out = append(out, Symptom{Name: *it.Name, Category: *it.Category, Intensity: it.Intensity})
	}
	return out, true
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (t ProcessedTemporal) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Other)+2)
	for k, v := range t.Other {
		out[k] = v
	}
	if t.Dates != nil {
		out["dates"] = t.Dates
	}
	if t.CyclePhase != "" {
		out["cycle_phase"] = t.CyclePhase
	} else if _, ok := out["cycle_phase"]; !ok {
		out["cycle_phase"] = nil
	}
	return json.Marshal(out)
}

func (t *ProcessedTemporal) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*t = ProcessedTemporal{}
	if v, ok := fields["dates"]; ok {
		var dates []time.Time
		if err := json.Unmarshal(v, &dates); err == nil && dates != nil {
			t.Dates = dates
			delete(fields, "dates")
		}
	}
	if v, ok := fields["cycle_phase"]; ok {
		if isNull(v) {
			delete(fields, "cycle_phase")
		} else if phase, ok := decodeString(v); ok {
			t.CyclePhase = phase
			delete(fields, "cycle_phase")
		}
	}
	if len(fields) > 0 {
		t.Other = fields
	}
	return nil
}

// Clone returns a copy that shares no mutable containers with e.
func (e ProcessedEntities) Clone() ProcessedEntities {
	out := ProcessedEntities{Other: cloneRaw(e.Other)}
	if e.Symptoms != nil {
		out.Symptoms = append(make([]Symptom, 0, len(e.Symptoms)), e.Symptoms...)
	}
	if e.Temporal != nil {
		t := ProcessedTemporal{CyclePhase: e.Temporal.CyclePhase, Other: cloneRaw(e.Temporal.Other)}
		if e.Temporal.Dates != nil {
			t.Dates = append(make([]time.Time, 0, len(e.Temporal.Dates)), e.Temporal.Dates...)
		}
		out.Temporal = &t
	}
	return out
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
