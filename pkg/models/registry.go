// Package models holds the model registry and the complexity-based
// router that picks a model tier per command.
package models

import (
	"errors"
	"sort"

	"github.com/alantheprice/devosd/pkg/config"
)

// ErrUnknownModel is returned when a model name is not registered.
var ErrUnknownModel = errors.New("unknown model")

// Info describes one registered model.
type Info struct {
	Name           string  `json:"name"`
	ModelID        string  `json:"model_id"`
	MaxTokens      int     `json:"max_tokens"`
	CostPer1KToken float64 `json:"cost_per_1k_tokens"`
}

// Registry maps model names to their endpoint configuration.
type Registry struct {
	models map[string]Info
}

// NewRegistry builds a registry from configured model entries.
func NewRegistry(entries map[string]config.ModelEntry) *Registry {
	models := make(map[string]Info, len(entries))
	for name, entry := range entries {
		models[name] = Info{
			Name:           name,
			ModelID:        entry.ModelID,
			MaxTokens:      entry.MaxTokens,
			CostPer1KToken: entry.CostPer1KToken,
		}
	}
	return &Registry{models: models}
}

// Get returns the model config for name.
func (r *Registry) Get(name string) (Info, error) {
	info, ok := r.models[name]
	if !ok {
		return Info{}, ErrUnknownModel
	}
	return info, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.models[name]
	return ok
}

// List returns the registered model names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimateCost predicts the dollar cost of an invocation: the prompt plus
// an expected 500-token response, at the model's per-1k rate. Unknown
// models estimate to zero.
func (r *Registry) EstimateCost(name string, promptLength int) float64 {
	info, ok := r.models[name]
	if !ok {
		return 0
	}
	estimatedTokens := float64(promptLength + 500)
	return estimatedTokens / 1000 * info.CostPer1KToken
}
