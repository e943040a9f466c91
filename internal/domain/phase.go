package domain

import "time"

// EstimatePhase bands days since the last period start into a phase.
// The bands assume a textbook 28-day cycle and are not personalized.
func EstimatePhase(daysSincePeriodStart int) Phase {
	switch d := daysSincePeriodStart; {
	case d < 0:
		return PhaseUnknown
	case d <= 5:
		return PhaseMenstrual
	case d <= 14:
		return PhaseFollicular
	case d <= 16:
		return PhaseOvulatory
	case d <= 28:
		return PhaseLuteal
	default:
		return PhaseUnknown
	}
}

// DaysSince returns whole days elapsed from start to now, rounded down.
func DaysSince(start, now time.Time) int {
	d := now.Sub(start)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}
