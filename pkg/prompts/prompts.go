// Package prompts assembles model prompts from the user command and a
// context snapshot. Context sections are truncated and environment
// variables filtered before anything reaches the model.
package prompts

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alantheprice/devosd/pkg/types"
)

// Truncation limits for context sections.
const (
	maxFileListing   = 10
	maxRecentChanges = 5
	maxTopProcesses  = 5
	maxEnvVars       = 5
)

// safeEnvVars is the allowlist of environment variables that may appear
// in a prompt.
var safeEnvVars = []string{"PATH", "HOME", "USER", "SHELL", "LANG", "PWD"}

const systemTemplate = `You are DevOS, an AI assistant integrated into a Linux operating system. You help developers by translating natural language commands into system operations.

Current System Context:
- Working Directory: %s
- Timestamp: %s
- User: %s

File System Context:
%s

Process Context:
%s

Git Context:
%s

Environment Context:
%s

User Command: %s

Please analyze the command and provide a JSON response with the following structure:
{
    "interpretation": "What the user wants to accomplish",
    "commands": [
        {
            "type": "bash|python|sql",
            "command": "actual command to execute",
            "description": "what this command does",
            "safety_level": "safe|moderate|destructive"
        }
    ],
    "explanation": "Brief explanation of what will happen",
    "risks": ["any potential risks or side effects"]
}

Guidelines:
- Only provide commands that are safe and follow security best practices
- Never include commands that could harm the system or compromise security
- For destructive operations, clearly mark safety_level as "destructive"
- Prefer relative paths over absolute paths when possible
- Always explain what each command does
- If the request is unclear, ask for clarification`

// BuildSystemPrompt renders the full prompt for one user command.
func BuildSystemPrompt(userCommand string, ctx *types.ContextSnapshot) string {
	cwd := "unknown"
	userID := "developer"
	timestamp := time.Now().UTC().Format(time.RFC3339)

	var files, processes, git map[string]any
	var env map[string]string
	if ctx != nil {
		if ctx.Cwd != "" {
			cwd = ctx.Cwd
		}
		if ctx.UserID != "" {
			userID = ctx.UserID
		}
		if !ctx.Timestamp.IsZero() {
			timestamp = ctx.Timestamp.UTC().Format(time.RFC3339)
		}
		files = ctx.Files
		processes = ctx.Processes
		git = ctx.Git
		env = ctx.Environment
	}

	return fmt.Sprintf(systemTemplate,
		cwd, timestamp, userID,
		formatFileContext(files),
		formatProcessContext(processes),
		formatGitContext(git),
		formatEnvContext(env),
		userCommand,
	)
}

// FallbackPlan is the structured response substituted when the model
// output cannot be used at all.
func FallbackPlan() *types.Plan {
	return &types.Plan{
		Interpretation: "Unable to process command",
		Steps:          []types.PlannedStep{},
		Explanation:    "Command could not be processed due to an error",
		Risks:          []string{"Command execution aborted for safety"},
	}
}

func formatFileContext(files map[string]any) string {
	if len(files) == 0 || hasError(files) {
		return "File system context unavailable"
	}

	var sections []string
	if listing := stringSlice(files["current_files"]); listing != nil {
		sections = append(sections, "Current directory files: "+strings.Join(truncate(listing, maxFileListing), ", "))
	}
	if recent := stringSlice(files["recent_changes"]); len(recent) > 0 {
		sections = append(sections, "Recent changes: "+strings.Join(truncate(recent, maxRecentChanges), ", "))
	}

	if len(sections) == 0 {
		return "No file context available"
	}
	return strings.Join(sections, "\n")
}

func formatProcessContext(processes map[string]any) string {
	if len(processes) == 0 || hasError(processes) {
		return "Process context unavailable"
	}

	if procs := stringSlice(processes["running_processes"]); len(procs) > 0 {
		return "Top processes: " + strings.Join(truncate(procs, maxTopProcesses), ", ")
	}
	return "No significant processes"
}

func formatGitContext(git map[string]any) string {
	if len(git) == 0 || hasError(git) {
		return "Git context unavailable (not in git repository)"
	}

	var sections []string
	if branch, ok := git["current_branch"].(string); ok {
		sections = append(sections, "Current branch: "+branch)
	}
	if status, ok := git["status"].(string); ok {
		sections = append(sections, "Git status: "+status)
	}
	if changes := stringSlice(git["uncommitted_changes"]); len(changes) > 0 {
		sections = append(sections, fmt.Sprintf("Uncommitted changes: %d files", len(changes)))
	}

	if len(sections) == 0 {
		return "Clean git repository"
	}
	return strings.Join(sections, "\n")
}

func formatEnvContext(env map[string]string) string {
	var lines []string
	for _, key := range safeEnvVars {
		if value, ok := env[key]; ok {
			lines = append(lines, key+"="+value)
		}
	}
	sort.Strings(lines)

	if len(lines) == 0 {
		return "Environment variables filtered for security"
	}
	return strings.Join(truncate(lines, maxEnvVars), "\n")
}

func hasError(section map[string]any) bool {
	_, ok := section["error"]
	return ok
}

// stringSlice coerces a collector value into []string. Collector output
// round-trips through JSON, so []any elements are handled too.
func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truncate(items []string, limit int) []string {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
