package models

import (
	"encoding/json"
	"strings"

	"github.com/alantheprice/devosd/pkg/types"
)

// Complexity scoring weights.
const (
	weightFileOps     = 1
	weightGitOps      = 2
	weightProcessMgmt = 3
	weightCodeOps     = 4
	weightMultiStep   = 6
	weightLargeCtx    = 2

	largeContextBytes = 10000
)

// Tier boundaries on the complexity score.
const (
	tierCheapBelow    = 3
	tierBalancedBelow = 7
)

// Default tier model names.
const (
	ModelCheap    = "titan-text-lite"
	ModelBalanced = "claude-3-haiku"
	ModelStrong   = "claude-3.5-sonnet"
)

var (
	fileOpKeywords    = []string{"list", "copy", "move", "delete", "organize", "find"}
	gitOpKeywords     = []string{"git", "commit", "branch", "merge", "push", "pull"}
	processKeywords   = []string{"process", "kill", "start", "stop", "monitor"}
	codeOpKeywords    = []string{"analyze", "refactor", "debug", "test", "review"}
	multiStepKeywords = []string{"and", "then", "after", "setup", "configure", "deploy"}
)

// Choice is the router's selection for one command.
type Choice struct {
	ModelName       string  `json:"model_name"`
	ComplexityScore int     `json:"complexity_score"`
	EstimatedCost   float64 `json:"estimated_cost"`
	Info            Info    `json:"model_info"`
}

// Router scores command complexity and selects a model tier.
type Router struct {
	registry     *Registry
	defaultModel string
}

// NewRouter creates a router over a registry. defaultModel, when set and
// registered, overrides tier selection.
func NewRouter(registry *Registry, defaultModel string) *Router {
	return &Router{registry: registry, defaultModel: defaultModel}
}

// Select picks a model for the command based on its complexity score.
func (r *Router) Select(command string, ctx *types.ContextSnapshot) (Choice, error) {
	score := r.AnalyzeComplexity(command, ctx)

	var name string
	switch {
	case score < tierCheapBelow:
		name = ModelCheap
	case score < tierBalancedBelow:
		name = ModelBalanced
	default:
		name = ModelStrong
	}

	// A configured default overrides only when it is actually registered
	if r.defaultModel != "" && r.registry.Has(r.defaultModel) {
		name = r.defaultModel
	}

	info, err := r.registry.Get(name)
	if err != nil {
		return Choice{}, err
	}

	return Choice{
		ModelName:       name,
		ComplexityScore: score,
		EstimatedCost:   r.registry.EstimateCost(name, len(command)),
		Info:            info,
	}, nil
}

// AnalyzeComplexity sums weighted keyword signals found in the lowered
// command plus a large-context bonus.
func (r *Router) AnalyzeComplexity(command string, ctx *types.ContextSnapshot) int {
	score := 0
	lower := strings.ToLower(command)

	if containsAny(lower, fileOpKeywords) {
		score += weightFileOps
	}
	if containsAny(lower, gitOpKeywords) {
		score += weightGitOps
	}
	if containsAny(lower, processKeywords) {
		score += weightProcessMgmt
	}
	if containsAny(lower, codeOpKeywords) {
		score += weightCodeOps
	}
	if containsAny(lower, multiStepKeywords) {
		score += weightMultiStep
	}

	if ctx != nil {
		if serialized, err := json.Marshal(ctx); err == nil && len(serialized) > largeContextBytes {
			score += weightLargeCtx
		}
	}

	return score
}

func containsAny(s string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(s, keyword) {
			return true
		}
	}
	return false
}
