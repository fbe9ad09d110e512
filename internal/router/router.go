// Package router implements next-agent selection for orchestrated chains.
//
// After each step the router scores every registered agent other than the
// current one against the step's task category and suggested next step:
//
//	+2  task category is in the candidate's accepted tasks
//	+3  per handoff keyword found in the suggestion (case-insensitive)
//	+5  candidate name appears verbatim in the suggestion
//
// The highest score wins and ties go to the agent declared first. A best
// score of zero ends the chain.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	CategoryWeight = 2
	KeywordWeight  = 3
	NameWeight     = 5
)

// Candidate is one scored agent.
type Candidate struct {
	Agent string `json:"agent"`
	Score int    `json:"score"`
}

// AgentRouter resolves the next agent of a chain from the registry.
type AgentRouter struct {
	registry contracts.AgentRegistry
}

// NewAgentRouter creates a router over the given registry.
func NewAgentRouter(r contracts.AgentRegistry) *AgentRouter {
	return &AgentRouter{registry: r}
}

// Next returns the agent that should follow current. It returns
// *models.RoutingError when no candidate scores above zero.
func (ar *AgentRouter) Next(ctx context.Context, current, category, suggested string) (string, error) {
	agents, err := ar.registry.ListAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}

	ranked := Rank(agents, current, category, suggested)
	if len(ranked) == 0 || ranked[0].Score == 0 {
		return "", &models.RoutingError{From: current, Reason: "no agent matched the suggested next step"}
	}

	log.Debug().
		Str("from", current).
		Str("to", ranked[0].Agent).
		Int("score", ranked[0].Score).
		Str("category", category).
		Msg("Next agent resolved")
	return ranked[0].Agent, nil
}

// Rank scores every agent except current, best first. Agents keep their
// declaration order within equal scores.
func Rank(agents []models.AgentDescriptor, current, category, suggested string) []Candidate {
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if a.Name == current {
			continue
		}
		out = append(out, Candidate{Agent: a.Name, Score: Score(a, category, suggested)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Score rates one candidate.
func Score(a models.AgentDescriptor, category, suggested string) int {
	score := 0
	if category != "" {
		for _, t := range a.AcceptsTasks {
			if strings.EqualFold(t, category) {
				score += CategoryWeight
				break
			}
		}
	}

	lower := strings.ToLower(suggested)
	for _, kw := range a.HandoffKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			score += KeywordWeight
		}
	}

	if a.Name != "" && strings.Contains(suggested, a.Name) {
		score += NameWeight
	}
	return score
}
