// Package domain holds the menstrual-health vocabulary: symptom normalization,
// date sanity checks, cycle-phase banding and cleanup of classifier entities.
// Everything here is pure and safe for concurrent use.
package domain

import "time"

// Phase is a menstrual cycle phase label. The empty string means unset.
type Phase string

const (
	PhaseMenstrual  Phase = "menstrual"
	PhaseFollicular Phase = "follicular"
	PhaseOvulatory  Phase = "ovulatory"
	PhaseLuteal     Phase = "luteal"
	PhaseUnknown    Phase = "unknown"
)

// SymptomCategory groups canonical symptom names.
type SymptomCategory string

const (
	CategoryPhysical  SymptomCategory = "physical"
	CategoryEmotional SymptomCategory = "emotional"
	CategoryOther     SymptomCategory = "other"
)

// Primary intents the classifier is prompted to choose from.
const (
	IntentCycleTracking   = "cycle_tracking"
	IntentSymptomLogging  = "symptom_logging"
	IntentHealthQuery     = "health_query"
	IntentPatternAnalysis = "pattern_analysis"
	IntentSystemCommand   = "system_command"
)

// Subtypes that mark a message as logging the start of a period.
const (
	SubtypePeriodStartLogging = "period_start_logging"
	SubtypePeriodTracking     = "period_tracking"
)

// Symptom is a canonicalized symptom.
type Symptom struct {
	Name      string          `json:"name"`
	Category  SymptomCategory `json:"category"`
	Intensity string          `json:"intensity,omitempty"`
}

// Intent is the classifier's reading of a message. It is trusted as produced.
type Intent struct {
	Primary    string  `json:"primary"`
	Subtype    string  `json:"subtype"`
	Confidence float64 `json:"confidence"`
}

// LogsPeriodStart reports whether the intent records the start of a period.
func (i Intent) LogsPeriodStart() bool {
	if i.Primary != IntentCycleTracking {
		return false
	}
	return i.Subtype == SubtypePeriodStartLogging || i.Subtype == SubtypePeriodTracking
}

// CycleData is the cycle information derived from a single turn.
type CycleData struct {
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	CyclePhase  Phase      `json:"cyclePhase,omitempty"`
}
