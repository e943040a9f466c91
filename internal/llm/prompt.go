package llm

import "strings"

const historyLimit = 3

// SystemPrompt instructs the model to reply with a single JSON object.
const SystemPrompt = `You are an AI assistant specializing in women's health and menstrual cycle tracking. 

Your task is to identify the user's intent and extract relevant entities from their message.

IMPORTANT: Respond ONLY with a JSON object following this exact format:
{
  "intent": {
    "primary": "one of [cycle_tracking, symptom_logging, health_query, pattern_analysis, system_command]",
    "subtype": "specific intent within the primary category",
    "confidence": 0.0-1.0
  },
  "entities": {
    "temporal": {
      "dates": [],
      "cycle_day": null,
      "cycle_phase": null,
      "duration": null
    },
    "symptoms": [],
    "intensity": null,
    "mood": null,
    "body_area": null,
    "context_factors": []
  }
}

If an entity is not present, include it with null or empty array.
Do not include any explanatory text outside of the JSON structure.`

// historyPrompt renders up to the last three messages, or "" when there are none.
func historyPrompt(history []string) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		lines = append(lines, "User: "+msg)
	}
	return "Previous conversation context:\n" + strings.Join(lines, "\n")
}
