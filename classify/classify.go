// Package classify implements the rule-based domain classifier. The
// taxonomy ships embedded in the binary as YAML; classification is a
// deterministic keyword and pattern match, never a learned model.
package classify

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/halcyonsec/kbagent/knowledge"
)

//go:embed taxonomy.yaml
var taxonomyYAML []byte

type domainRule struct {
	Tag         string   `yaml:"tag"`
	Keywords    []string `yaml:"keywords"`
	Patterns    []string `yaml:"patterns"`
	Collections []string `yaml:"collections"`

	compiled []*regexp.Regexp
	targets  []knowledge.Collection
}

// Classifier matches queries against the embedded domain taxonomy.
type Classifier struct {
	rules []domainRule
}

// New loads and validates the embedded taxonomy. Validation errors are
// setup defects and fail construction.
func New() (*Classifier, error) {
	var doc struct {
		Domains []domainRule `yaml:"domains"`
	}
	if err := yaml.Unmarshal(taxonomyYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse embedded taxonomy: %w", err)
	}
	if len(doc.Domains) == 0 {
		return nil, fmt.Errorf("embedded taxonomy defines no domains")
	}

	for i := range doc.Domains {
		rule := &doc.Domains[i]
		if rule.Tag == "" {
			return nil, fmt.Errorf("taxonomy domain %d has no tag", i)
		}
		for _, pattern := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("taxonomy pattern %q: %w", pattern, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
		for _, name := range rule.Collections {
			collection, err := knowledge.ParseCollection(name)
			if err != nil {
				return nil, fmt.Errorf("taxonomy domain %s: %w", rule.Tag, err)
			}
			rule.targets = append(rule.targets, collection)
		}
	}

	return &Classifier{rules: doc.Domains}, nil
}

// Classify returns the domain tags matching a query, in taxonomy order.
// An unmatched query yields an empty set; the caller falls back to all
// collections.
func (c *Classifier) Classify(query string) []string {
	lowered := strings.ToLower(query)

	tags := make([]string, 0)
	for _, rule := range c.rules {
		if c.ruleMatches(rule, query, lowered) {
			tags = append(tags, rule.Tag)
		}
	}
	return tags
}

func (c *Classifier) ruleMatches(rule domainRule, query, lowered string) bool {
	for _, keyword := range rule.Keywords {
		if containsWord(lowered, keyword) {
			return true
		}
	}
	for _, re := range rule.compiled {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// containsWord reports whether needle occurs in haystack at word
// boundaries, so "pod" does not light up on "podcast".
func containsWord(haystack, needle string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], needle)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(needle)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// Collections maps a tag set to the collections worth searching. Empty
// tags mean every collection. Duplicates across tags collapse, preserving
// taxonomy order.
func (c *Classifier) Collections(tags []string) []knowledge.Collection {
	if len(tags) == 0 {
		return knowledge.Collections()
	}

	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}

	seen := make(map[knowledge.Collection]struct{})
	out := make([]knowledge.Collection, 0)
	for _, rule := range c.rules {
		if _, ok := wanted[rule.Tag]; !ok {
			continue
		}
		for _, collection := range rule.targets {
			if _, ok := seen[collection]; ok {
				continue
			}
			seen[collection] = struct{}{}
			out = append(out, collection)
		}
	}

	if len(out) == 0 {
		return knowledge.Collections()
	}
	return out
}
