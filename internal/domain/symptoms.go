package domain

import "strings"

var symptomSynonyms = map[string]string{
	"cramps":    "menstrual_cramps",
	"cramping":  "menstrual_cramps",
	"pain":      "menstrual_cramps",
	"bloating":  "bloating",
	"bloated":   "bloating",
	"headache":  "headache",
	"tired":     "fatigue",
	"exhausted": "fatigue",
	"fatigue":   "fatigue",

	"sad":       "low_mood",
	"depressed": "low_mood",
	"angry":     "irritability",
	"irritable": "irritability",
	"anxious":   "anxiety",
	"anxiety":   "anxiety",
}

var symptomCategories = map[string]SymptomCategory{
	"menstrual_cramps":  CategoryPhysical,
	"bloating":          CategoryPhysical,
	"headache":          CategoryPhysical,
	"fatigue":           CategoryPhysical,
	"breast_tenderness": CategoryPhysical,
	"acne":              CategoryPhysical,
	"low_mood":          CategoryEmotional,
	"irritability":      CategoryEmotional,
	"anxiety":           CategoryEmotional,
	"mood_swings":       CategoryEmotional,
}

// NormalizeSymptom maps free text to a canonical symptom. Unknown text is kept
// (lower-cased and trimmed) as the name with category other.
func NormalizeSymptom(text string) Symptom {
	name := strings.ToLower(strings.TrimSpace(text))
	if canonical, ok := symptomSynonyms[name]; ok {
		name = canonical
	}
	category, ok := symptomCategories[name]
	if !ok {
		category = CategoryOther
	}
	return Symptom{Name: name, Category: category}
}
