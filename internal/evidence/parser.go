// Package evidence parses worker-asserted evidence blocks and evaluates
// stage acceptance rules against them. Evidence is the only input to a
// pass/fail verdict; free-form narration around it never changes the
// outcome.
package evidence

import (
	"strings"

	"github.com/basket/foundry/internal/store"
)

// Delimiters for the evidence block inside a provider response. Text
// outside the block is ignored.
const (
	BlockStart = "---EVIDENCE---"
	BlockEnd   = "---END-EVIDENCE---"
)

// Parse extracts ordered facts from raw provider output. Facts are
// `key: value` or `key=value` lines inside the evidence block, with list
// bullets and markdown fences tolerated since providers decorate output
// freely. Later duplicates of a key win on lookup, but the original
// positions are preserved so the record mirrors what the worker actually
// asserted. Returns nil when no block is present. Lines are split without
// any length bound; a fact value is as long as the provider made it.
func Parse(raw string) []store.Fact {
	start := strings.Index(raw, BlockStart)
	if start < 0 {
		return nil
	}
	body := raw[start+len(BlockStart):]
	if end := strings.Index(body, BlockEnd); end >= 0 {
		body = body[:end]
	}

	var facts []store.Fact
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "```") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		facts = append(facts, store.Fact{Seq: len(facts), Key: key, Value: value})
	}
	return facts
}

// Index builds a last-write-wins lookup over parsed facts.
func Index(facts []store.Fact) map[string]string {
	m := make(map[string]string, len(facts))
	for _, f := range facts {
		m[f.Key] = f.Value
	}
	return m
}
