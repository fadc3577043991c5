// Package pipeline implements the per-task execution flow: safety
// preflight, capability routing, optional decomposition, dispatch,
// quality review, and reward settlement.
package pipeline

import (
	"context"
	"strings"
)

// SafetyDecision is a preflight verdict. A denied task never dispatches.
type SafetyDecision struct {
	Allow  bool
	Reason string
}

// Gateway screens task content before any dispatch happens.
type Gateway interface {
	Check(ctx context.Context, description, payload string) (SafetyDecision, error)
}

// PatternGateway denies content containing any configured pattern.
// Matching is case-insensitive substring search.
type PatternGateway struct {
	patterns []string
}

func NewPatternGateway(patterns []string) *PatternGateway {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return &PatternGateway{patterns: lowered}
}

func (g *PatternGateway) Check(_ context.Context, description, payload string) (SafetyDecision, error) {
	haystack := strings.ToLower(description + "\n" + payload)
	for _, pattern := range g.patterns {
		if strings.Contains(haystack, pattern) {
			return SafetyDecision{Allow: false, Reason: "matched deny pattern: " + pattern}, nil
		}
	}
	return SafetyDecision{Allow: true}, nil
}
