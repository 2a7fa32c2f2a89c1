package ingest

import (
	"regexp"
	"strings"
)

// Entity is a recognized identifier mined from free text. Only recognized
// patterns produce graph nodes; ordinary prose never does.
type Entity struct {
	ID   string
	Kind string
}

var entityPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{kind: "cwe", re: regexp.MustCompile(`(?i)\bCWE-\d+\b`)},
	{kind: "cve", re: regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)},
	{kind: "owasp", re: regexp.MustCompile(`(?i)\bA\d{2}:\d{4}\b`)},
}

// MineEntities extracts recognized entity identifiers from text, normalized
// to lower case and deduplicated in order of first appearance.
func MineEntities(text string) []Entity {
	seen := make(map[string]struct{})
	entities := make([]Entity, 0)
	for _, pattern := range entityPatterns {
		for _, match := range pattern.re.FindAllString(text, -1) {
			id := strings.ToLower(match)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			entities = append(entities, Entity{ID: id, Kind: pattern.kind})
		}
	}
	return entities
}

// slug normalizes a free-form name into a graph node id.
func slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var sb strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && sb.Len() > 0 {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
