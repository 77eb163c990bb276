// Package executor runs approved plans as sandboxed subprocesses with
// per-step revalidation, timeouts and hardening rewrites.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/logging"
	"github.com/alantheprice/devosd/pkg/types"
	"github.com/alantheprice/devosd/pkg/validator"
)

// exit code reported when a step hits its deadline, matching timeout(1)
const timeoutExitCode = 124

// sandboxRefusals abort execution outright when sandboxing is enabled,
// even for steps that cleared validation at submission time.
var sandboxRefusals = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"chmod 777",
	"chown root",
	"sudo rm",
	"sudo dd",
}

// Executor runs planned steps sequentially.
type Executor struct {
	validator        *validator.Validator
	logger           *logging.Logger
	sandboxEnabled   bool
	maxExecutionTime time.Duration
}

// New builds an executor from the security config.
func New(cfg config.SecurityConfig, v *validator.Validator, logger *logging.Logger) *Executor {
	maxTime := time.Duration(cfg.MaxExecutionTime) * time.Second
	if maxTime <= 0 {
		maxTime = 120 * time.Second
	}
	return &Executor{
		validator:        v,
		logger:           logger,
		sandboxEnabled:   cfg.SandboxEnabled,
		maxExecutionTime: maxTime,
	}
}

// Execute runs the plan's steps in order. Each step is revalidated
// before it runs; a failed destructive step aborts the remainder.
func (e *Executor) Execute(ctx context.Context, steps []types.PlannedStep, userID string) *types.ExecutionResult {
	start := time.Now()

	var outputs, errors, executed []string
	affected := map[string]bool{}
	success := true
	lastExitCode := 0

	for i, step := range steps {
		e.logger.Info("Executing step %d/%d for %s: %s", i+1, len(steps), userID, step.Command)

		if result := e.validator.Validate(step); !result.Valid {
			errors = append(errors, "Command validation failed: "+result.Reason)
			success = false
			continue
		}

		stepResult := e.executeStep(ctx, step)

		if stepResult.Output != "" {
			outputs = append(outputs, stepResult.Output)
		}
		if stepResult.Error != "" {
			errors = append(errors, stepResult.Error)
		}
		executed = append(executed, step.Command)
		for _, file := range stepResult.FilesAffected {
			affected[file] = true
		}

		if !stepResult.Success {
			success = false
			lastExitCode = stepResult.ExitCode
			if step.SafetyLevel == types.SafetyLevelDestructive {
				e.logger.Warn("Destructive step failed, aborting remaining steps")
				break
			}
		}
	}

	exitCode := 0
	if !success {
		exitCode = 1
		if lastExitCode != 0 {
			exitCode = lastExitCode
		}
	}

	return &types.ExecutionResult{
		Success:          success,
		Output:           strings.Join(outputs, "\n"),
		Error:            strings.Join(errors, "\n"),
		ExitCode:         exitCode,
		ExecutionTimeMs:  float64(time.Since(start).Microseconds()) / 1000,
		CommandsExecuted: executed,
		FilesAffected:    sortedKeys(affected),
	}
}

func (e *Executor) executeStep(ctx context.Context, step types.PlannedStep) *types.ExecutionResult {
	switch step.Kind {
	case types.StepKindShell:
		return e.executeShell(ctx, step.Command)
	case types.StepKindPython:
		return e.executePython(ctx, step.Command)
	case types.StepKindSQL:
		return &types.ExecutionResult{
			Success:  false,
			Error:    "SQL command execution is not supported",
			ExitCode: 1,
		}
	default:
		return &types.ExecutionResult{
			Success:  false,
			Error:    "Unsupported command type: " + string(step.Kind),
			ExitCode: 1,
		}
	}
}

func (e *Executor) executeShell(ctx context.Context, command string) *types.ExecutionResult {
	start := time.Now()

	if e.sandboxEnabled {
		hardened, err := e.hardenCommand(command)
		if err != nil {
			return &types.ExecutionResult{
				Success:  false,
				Error:    err.Error(),
				ExitCode: 1,
			}
		}
		command = hardened
	}

	ctx, cancel := context.WithTimeout(ctx, e.maxExecutionTime)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return &types.ExecutionResult{
			Success:         false,
			Error:           fmt.Sprintf("Command timed out after %.0f seconds", e.maxExecutionTime.Seconds()),
			ExitCode:        timeoutExitCode,
			ExecutionTimeMs: float64(e.maxExecutionTime.Milliseconds()),
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &types.ExecutionResult{
				Success:         false,
				Error:           fmt.Sprintf("Command execution failed: %v", err),
				ExitCode:        1,
				ExecutionTimeMs: float64(time.Since(start).Microseconds()) / 1000,
			}
		}
	}

	return &types.ExecutionResult{
		Success:          exitCode == 0,
		Output:           strings.TrimSpace(stdout.String()),
		Error:            strings.TrimSpace(stderr.String()),
		ExitCode:         exitCode,
		ExecutionTimeMs:  float64(time.Since(start).Microseconds()) / 1000,
		CommandsExecuted: []string{command},
		FilesAffected:    DetectAffectedFiles(command),
	}
}

// hardenCommand is the last line of defense before the shell: refuse
// known-destructive patterns and rewrite rm to its interactive form.
func (e *Executor) hardenCommand(command string) (string, error) {
	lower := strings.ToLower(command)
	for _, pattern := range sandboxRefusals {
		if strings.Contains(lower, pattern) {
			return "", fmt.Errorf("dangerous command pattern detected: %s", pattern)
		}
	}

	if strings.HasPrefix(strings.TrimSpace(command), "rm ") {
		command = strings.Replace(command, "rm ", "rm -i ", 1)
	}
	return command, nil
}

// executePython wraps the expression in a JSON-verdict harness so the
// caller always gets a structured success/error line on stdout.
func (e *Executor) executePython(ctx context.Context, command string) *types.ExecutionResult {
	start := time.Now()

	wrapper := fmt.Sprintf(`import json
try:
    result = %s
    print(json.dumps({"success": True, "result": str(result)}))
except Exception as e:
    print(json.dumps({"success": False, "error": str(e)}))
`, command)

	ctx, cancel := context.WithTimeout(ctx, e.maxExecutionTime)
	defer cancel()

	cmd := exec.CommandContext(ctx, "python3", "-c", wrapper)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return &types.ExecutionResult{
			Success:         false,
			Error:           fmt.Sprintf("Python command timed out after %.0f seconds", e.maxExecutionTime.Seconds()),
			ExitCode:        timeoutExitCode,
			ExecutionTimeMs: float64(e.maxExecutionTime.Milliseconds()),
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &types.ExecutionResult{
				Success:         false,
				Error:           fmt.Sprintf("Python command execution failed: %v", err),
				ExitCode:        1,
				ExecutionTimeMs: float64(time.Since(start).Microseconds()) / 1000,
			}
		}
	}

	return &types.ExecutionResult{
		Success:          exitCode == 0,
		Output:           strings.TrimSpace(stdout.String()),
		Error:            strings.TrimSpace(stderr.String()),
		ExitCode:         exitCode,
		ExecutionTimeMs:  float64(time.Since(start).Microseconds()) / 1000,
		CommandsExecuted: []string{command},
	}
}

// DetectAffectedFiles guesses which paths a shell command touches. It is
// a heuristic over the command text, not an audit of what actually
// happened.
func DetectAffectedFiles(command string) []string {
	var affected []string
	parts := strings.Fields(command)

	switch {
	case strings.Contains(command, "cp ") || strings.Contains(command, "mv "):
		if len(parts) >= 3 {
			affected = append(affected, parts[len(parts)-2:]...)
		}
	case strings.Contains(command, "rm "):
		for _, part := range parts[1:] {
			if !strings.HasPrefix(part, "-") {
				affected = append(affected, part)
			}
		}
	case strings.Contains(command, "touch "):
		affected = append(affected, parts[1:]...)
	case strings.Contains(command, ">>"):
		affected = append(affected, strings.TrimSpace(command[strings.LastIndex(command, ">>")+2:]))
	case strings.Contains(command, ">"):
		affected = append(affected, strings.TrimSpace(command[strings.LastIndex(command, ">")+1:]))
	}

	var cleaned []string
	for _, path := range affected {
		path = strings.Trim(strings.TrimSpace(path), `"'`)
		if path != "" && !strings.HasPrefix(path, "-") {
			cleaned = append(cleaned, path)
		}
	}
	return cleaned
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
