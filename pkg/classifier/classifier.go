// Package classifier turns a natural-language prompt into a service-type
// label. The dispatcher treats every implementation as untrusted and
// validates the returned label against the registry before acting on it.
package classifier

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/hostlinkhq/hostlink/pkg/registry"
)

// ErrUnclassified is returned when no service type can be inferred from the
// prompt.
var ErrUnclassified = errors.New("request could not be classified")

// Classifier maps a prompt to one of the service types advertised by the
// given skills.
type Classifier interface {
	Classify(ctx context.Context, prompt string, skills []registry.Skill) (string, error)
}

// Static is a deterministic keyword classifier: it scores each service type
// by token overlap between the prompt and the skill's name, description,
// examples, and type tag, and returns the best-scoring type. It needs no
// network and serves as the default and the test double.
type Static struct{}

// NewStatic creates a Static classifier.
func NewStatic() *Static {
	return &Static{}
}

// Classify scores every advertised service type against the prompt.
func (c *Static) Classify(_ context.Context, prompt string, skills []registry.Skill) (string, error) {
	promptTokens := tokenize(prompt)
	if len(promptTokens) == 0 {
		return "", ErrUnclassified
	}

	scores := make(map[string]int)
	for _, skill := range skills {
		st := skill.ServiceType()
		if st == "" {
			continue
		}
		text := strings.Join(append([]string{st, skill.Name, skill.Description}, skill.Examples...), " ")
		skillTokens := tokenize(text)
		for tok := range promptTokens {
			if skillTokens[tok] {
				scores[st]++
			}
		}
	}

	best, bestScore := "", 0
	// Deterministic tie-break: iterate types in sorted order.
	types := make([]string, 0, len(scores))
	for t := range scores {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if scores[t] > bestScore {
			best, bestScore = t, scores[t]
		}
	}

	if best == "" {
		return "", ErrUnclassified
	}
	return best, nil
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) > 2 {
			tokens[f] = true
		}
	}
	return tokens
}

// TypeList formats the known service types with their skill descriptions for
// prompt-based classifiers.
func TypeList(skills []registry.Skill) string {
	var b strings.Builder
	for _, skill := range skills {
		st := skill.ServiceType()
		if st == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(st)
		if skill.Description != "" {
			b.WriteString(": ")
			b.WriteString(skill.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
