// Package knowledge defines the domain model shared by the stores, the
// ingestion pipeline, and the reasoning engine: the closed collection set,
// graph node and relation types, and the chunk/finding records.
package knowledge

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Collection is a named partition of the document store. The set is closed:
// adding a collection is a schema change, never a runtime decision.
type Collection string

const (
	CollectionPatterns      Collection = "patterns"
	CollectionCompliance    Collection = "compliance"
	CollectionClient        Collection = "client"
	CollectionDocumentation Collection = "documentation"
	CollectionFindings      Collection = "findings"
	CollectionProjects      Collection = "projects"
)

// ErrUnknownCollection indicates a source category that maps to no collection.
// It is a configuration error and must surface immediately, never be defaulted.
var ErrUnknownCollection = errors.New("unknown collection")

// Collections lists every collection in a fixed order.
func Collections() []Collection {
	return []Collection{
		CollectionPatterns,
		CollectionCompliance,
		CollectionClient,
		CollectionDocumentation,
		CollectionFindings,
		CollectionProjects,
	}
}

// ParseCollection validates a raw collection name against the closed set.
func ParseCollection(name string) (Collection, error) {
	for _, c := range Collections() {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, name)
}

// categoryCollections is the total mapping from source category (the name of
// the subdirectory a source file lives under) to its collection. Aliases for
// the same collection are deliberate; a missing entry is an error upstream.
var categoryCollections = map[string]Collection{
	"patterns":      CollectionPatterns,
	"architecture":  CollectionPatterns,
	"compliance":    CollectionCompliance,
	"policies":      CollectionCompliance,
	"client":        CollectionClient,
	"clients":       CollectionClient,
	"documentation": CollectionDocumentation,
	"docs":          CollectionDocumentation,
	"findings":      CollectionFindings,
	"scans":         CollectionFindings,
	"projects":      CollectionProjects,
	"engagements":   CollectionProjects,
}

// CollectionForCategory resolves a source category to its collection.
// An unmapped category is an ErrUnknownCollection, not a silent default.
func CollectionForCategory(category string) (Collection, error) {
	if c, ok := categoryCollections[category]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: no collection mapped for category %q", ErrUnknownCollection, category)
}

// chunkNamespace seeds content-derived chunk identifiers so that re-ingesting
// identical content always produces the same id.
var chunkNamespace = uuid.MustParse("9a1c3f66-52d4-4b61-9e6f-8c0a4d2d71b5")

// ChunkID derives the stable id for a chunk from its collection and content.
func ChunkID(collection Collection, content string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(string(collection)+"\x00"+content)).String()
}
