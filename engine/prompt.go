package engine

import (
	"fmt"
	"strings"
)

const (
	// contextBudget bounds the evidence text handed to the language model.
	// Excess evidence beyond the budget is dropped lowest-ranked first.
	contextBudget = 6000
	// excerptLimit bounds a single evidence excerpt inside the prompt and
	// in the returned sources.
	excerptLimit = 500
)

func systemPrompt() string {
	return "You are a security knowledge assistant. Ground your answer in the " +
		"supplied evidence, citing evidence numbers in brackets (e.g., [1]) when " +
		"you draw from it. Evidence from the knowledge graph describes verified " +
		"structured relationships; prefer it over free-text matches when they " +
		"conflict. If the evidence is missing or not useful, say so and answer " +
		"from general knowledge, noting the uncertainty."
}

// buildPrompt renders the query and the merged evidence, highest-ranked
// first, truncated to the context budget.
func buildPrompt(query string, evidence []Evidence) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(query)

	if len(evidence) > 0 {
		sb.WriteString("\n\nEvidence:\n")
		used := 0
		for i, ev := range evidence {
			entry := fmt.Sprintf("[%d] (%s, %s) %s\n", i+1, ev.Origin, ev.Provenance, truncate(ev.Excerpt, excerptLimit))
			if used+len(entry) > contextBudget {
				break
			}
			sb.WriteString(entry)
			used += len(entry)
		}
	}

	sb.WriteString("\nAnswer the question directly, then cite the evidence you used.")
	return sb.String()
}

// fallbackAnswer synthesizes a reply from the top evidence snippets alone,
// for when the language model is unavailable or times out.
func fallbackAnswer(evidence []Evidence) string {
	if len(evidence) == 0 {
		return "No relevant knowledge was found for this query."
	}

	limit := 3
	if len(evidence) < limit {
		limit = len(evidence)
	}

	var sb strings.Builder
	sb.WriteString("The most relevant knowledge found:\n")
	for _, ev := range evidence[:limit] {
		sb.WriteString(fmt.Sprintf("- (%s) %s\n", ev.Provenance, truncate(ev.Excerpt, excerptLimit)))
	}
	return strings.TrimSpace(sb.String())
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
