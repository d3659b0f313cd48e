// Package incident derives stable grouping keys for recurring failures.
//
// Two occurrences of the "same" error — differing only in line numbers,
// build hashes, timestamps, UUIDs, or dynamic URL parameters — must map to
// the same 12-character incident hash, byte for byte, across processes and
// builds. The dedup and rate-limit layers depend on that property.
package incident

import (
	"fmt"
	"sort"
	"strings"
)

// Data holds the raw error signature an incident hash is derived from.
// All fields are optional; missing fields hash as empty.
type Data struct {
	Title          string
	Message        string
	Stack          string
	URL            string
	ErrorType      string
	ComponentStack string
	Context        map[string]any
}

// Classifier computes incident hashes. The application version tag is part
// of every hash so that a release boundary starts fresh incident identities.
type Classifier struct {
	version string
}

// New creates a Classifier for the given application version tag.
func New(version string) *Classifier {
	return &Classifier{version: version}
}

// Hash returns the deterministic 12-hex-character incident hash for d.
func (c *Classifier) Hash(d Data) string {
	key := c.compositeKey(d)

	// Two 32-bit rolling passes with different mixing, XOR-combined with
	// an offset so both passes contribute to the full 48-bit output.
	h1 := rollingHash(key, 5381, 33)
	h2 := rollingHash(key, 2166136261, 16777619)
	combined := (uint64(h1) << 16) ^ uint64(h2)

	return fmt.Sprintf("%012x", combined&0xffffffffffff)
}

// compositeKey serializes the normalized signature fields in a fixed order.
func (c *Classifier) compositeKey(d Data) string {
	errType := d.ErrorType
	if errType == "" {
		errType = extractErrorType(d.Message, d.Stack)
	}

	keys := make([]string, 0, len(d.Context))
	for k := range d.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{
		errType,
		normalizeText(d.Title, maxTitleLen),
		normalizeText(d.Message, maxMessageLen),
		normalizeURL(d.URL),
		normalizeStack(d.Stack, maxStackLen),
		normalizeStack(d.ComponentStack, maxComponentLen),
		strings.Join(keys, ","),
		c.version,
	}
	return strings.Join(parts, "|")
}

// rollingHash computes a 32-bit multiplicative rolling hash of s.
func rollingHash(s string, seed, mult uint32) uint32 {
	h := seed
	for i := 0; i < len(s); i++ {
		h = h*mult + uint32(s[i])
	}
	return h
}

// Similarity scores how alike two error signatures are, in [0,1]. It backs
// fuzzy grouping in review UIs only; hashing and rate limiting never use it.
func (c *Classifier) Similarity(a, b Data) float64 {
	typeA := a.ErrorType
	if typeA == "" {
		typeA = extractErrorType(a.Message, a.Stack)
	}
	typeB := b.ErrorType
	if typeB == "" {
		typeB = extractErrorType(b.Message, b.Stack)
	}

	score := 0.0
	if typeA == typeB {
		score += 0.4
	}
	score += 0.3 * tokenOverlap(
		normalizeText(a.Message, maxMessageLen),
		normalizeText(b.Message, maxMessageLen),
	)
	if sa, sb := normalizeStack(a.Stack, maxStackLen), normalizeStack(b.Stack, maxStackLen); sa != "" && sa == sb {
		score += 0.2
	}
	if ua, ub := normalizeURL(a.URL), normalizeURL(b.URL); ua != "" && ua == ub {
		score += 0.1
	}
	return score
}

// tokenOverlap is the Jaccard index of the word sets of a and b.
func tokenOverlap(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	setA := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		setA[w] = true
	}
	setB := make(map[string]bool)
	for _, w := range strings.Fields(b) {
		setB[w] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
