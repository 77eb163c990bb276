package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alantheprice/devosd/pkg/types"
)

// ParsePlan turns raw model text into a structured plan. It tries three
// interpretations in order: a JSON document, a labelled plain-text
// layout (Interpretation:/Commands:/Explanation: sections), and finally
// the whole text as a single shell command. The returned bool reports
// whether that last-resort wrap was used; callers should log it.
func ParsePlan(responseText string) (*types.Plan, bool) {
	trimmed := strings.TrimSpace(responseText)

	if strings.HasPrefix(trimmed, "{") {
		var plan types.Plan
		if err := json.Unmarshal([]byte(trimmed), &plan); err == nil {
			if plan.Steps == nil {
				plan.Steps = []types.PlannedStep{}
			}
			return &plan, false
		}
		// Looked like JSON but did not decode; wrap as a single step
		return wrapAsShellStep(trimmed), true
	}

	if plan := parseLabelled(trimmed); len(plan.Steps) > 0 {
		return plan, false
	}

	// No recognizable structure at all; treat the whole text as one
	// shell command
	return wrapAsShellStep(trimmed), true
}

func parseLabelled(text string) *types.Plan {
	var steps []types.PlannedStep
	var interpretation, explanation string

	section := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "Commands:") || strings.HasPrefix(line, "```bash"):
			section = "commands"
			continue
		case strings.HasPrefix(line, "Interpretation:"):
			section = "interpretation"
			interpretation = strings.TrimSpace(strings.TrimPrefix(line, "Interpretation:"))
			continue
		case strings.HasPrefix(line, "Explanation:"):
			section = "explanation"
			explanation = strings.TrimSpace(strings.TrimPrefix(line, "Explanation:"))
			continue
		case strings.HasPrefix(line, "```"):
			section = ""
			continue
		}

		switch section {
		case "commands":
			// Strip shell prompt markers the model sometimes emits
			if strings.HasPrefix(line, "$") || strings.HasPrefix(line, "#") {
				line = strings.TrimSpace(line[1:])
			}
			if line != "" {
				steps = append(steps, types.PlannedStep{
					Kind:        types.StepKindShell,
					Command:     line,
					Description: "Execute: " + line,
					SafetyLevel: types.SafetyLevelSafe,
				})
			}
		case "interpretation":
			interpretation += " " + line
		case "explanation":
			explanation += " " + line
		}
	}

	if interpretation == "" {
		interpretation = "Execute the requested command"
	}
	if explanation == "" {
		explanation = "Command will be executed as requested"
	}
	if steps == nil {
		steps = []types.PlannedStep{}
	}

	return &types.Plan{
		Interpretation: interpretation,
		Steps:          steps,
		Explanation:    explanation,
		Risks:          []string{},
	}
}

func wrapAsShellStep(text string) *types.Plan {
	return &types.Plan{
		Interpretation: "Execute user command",
		Steps: []types.PlannedStep{{
			Kind:        types.StepKindShell,
			Command:     text,
			Description: "Execute user command",
			SafetyLevel: types.SafetyLevelSafe,
		}},
		Explanation: "Executing user command as interpreted",
		Risks:       []string{},
	}
}

// DescribePlan renders a short human-readable summary for logs.
func DescribePlan(plan *types.Plan) string {
	if plan == nil || len(plan.Steps) == 0 {
		return "no steps"
	}
	commands := make([]string, len(plan.Steps))
	for i, step := range plan.Steps {
		commands[i] = step.Command
	}
	return fmt.Sprintf("%d step(s): %s", len(plan.Steps), strings.Join(commands, "; "))
}
