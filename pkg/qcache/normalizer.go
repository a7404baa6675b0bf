package qcache

import (
	"regexp"
	"strings"
)

// QueryNormalizer preprocesses query text for consistent cache keying
type QueryNormalizer interface {
	Normalize(query string) string
}

// DefaultQueryNormalizer lowercases, collapses whitespace, and strips
// punctuation. It deliberately keeps stop words: the tiers are exact-match
// keyed, and dropping words would merge questions that differ in meaning.
type DefaultQueryNormalizer struct {
	whitespaceRegex  *regexp.Regexp
	punctuationRegex *regexp.Regexp
}

// NewQueryNormalizer creates a normalizer with default settings
func NewQueryNormalizer() QueryNormalizer {
	return &DefaultQueryNormalizer{
		whitespaceRegex:  regexp.MustCompile(`\s+`),
		punctuationRegex: regexp.MustCompile(`[^\w\s-]`),
	}
}

// Normalize processes a query for consistent caching
func (n *DefaultQueryNormalizer) Normalize(query string) string {
	if query == "" {
		return ""
	}

	normalized := strings.ToLower(query)
	normalized = n.punctuationRegex.ReplaceAllString(normalized, " ")
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}
