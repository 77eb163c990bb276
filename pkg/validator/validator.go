// Package validator gates planned steps against allow/block lists,
// dangerous patterns and protected paths.
package validator

import (
	"regexp"
	"strings"

	"github.com/alantheprice/devosd/pkg/cmdline"
	"github.com/alantheprice/devosd/pkg/types"
)

// Result is the outcome of validating one step.
type Result struct {
	Valid    bool     `json:"valid"`
	Reason   string   `json:"reason"`
	Severity string   `json:"severity"`
	Warnings []string `json:"warnings,omitempty"`
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
	regexp.MustCompile(`(?i):\(\)\{\s*:\|:&\s*\}`),
	regexp.MustCompile(`(?i)mkfs\.`),
	regexp.MustCompile(`(?i)dd\s+if=/dev/zero`),
	regexp.MustCompile(`(?i)>/dev/sd[a-z]`),
	regexp.MustCompile(`(?i)chmod\s+777\s+/`),
	regexp.MustCompile(`(?i)curl.*\|\s*sh`),
	regexp.MustCompile(`(?i)wget.*\|\s*sh`),
	regexp.MustCompile(`(?i)eval\s*\$\(`),
}

var extremeRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
	regexp.MustCompile(`(?i)rm\s+-rf\s+\*`),
	regexp.MustCompile(`(?i)rm\s+-rf\s+~`),
	regexp.MustCompile(`(?i)mkfs`),
	regexp.MustCompile(`(?i)dd\s+if=/dev/zero\s+of=/`),
	regexp.MustCompile(`(?i)chmod\s+000\s+/`),
	regexp.MustCompile(`(?i)chown\s+root:root\s+/`),
}

var protectedPaths = []string{
	"/etc/passwd", "/etc/shadow", "/etc/sudoers",
	"/boot", "/sys", "/proc", "/dev",
	"/var/log", "/etc/ssh", "/root",
}

var dangerousPython = []string{
	"import os", "import subprocess", "import sys",
	"eval(", "exec(", "__import__",
	"open(", "file(", "input(",
	"raw_input(", "compile(",
}

var dangerousSQL = []string{
	"DROP TABLE", "DROP DATABASE", "DELETE FROM",
	"TRUNCATE", "ALTER TABLE", "UPDATE ",
	"INSERT INTO", "CREATE USER", "GRANT ALL",
}

// Validator checks planned steps against the configured security policy.
// It is safe for concurrent use.
type Validator struct {
	allowed map[string]bool
	blocked []string
}

// New builds a validator from the configured allow and block lists.
func New(allowedCommands, blockedCommands []string) *Validator {
	allowed := make(map[string]bool, len(allowedCommands))
	for _, cmd := range allowedCommands {
		allowed[cmd] = true
	}
	return &Validator{
		allowed: allowed,
		blocked: blockedCommands,
	}
}

// Validate checks a single planned step.
func (v *Validator) Validate(step types.PlannedStep) Result {
	if strings.TrimSpace(step.Command) == "" {
		return Result{Valid: false, Reason: "Empty command", Severity: "low"}
	}

	switch step.Kind {
	case types.StepKindShell:
		return v.validateShell(step.Command, step.SafetyLevel)
	case types.StepKindPython:
		return v.validatePython(step.Command, step.SafetyLevel)
	case types.StepKindSQL:
		return v.validateSQL(step.Command, step.SafetyLevel)
	default:
		return Result{
			Valid:    false,
			Reason:   "Unsupported command type: " + string(step.Kind),
			Severity: "medium",
		}
	}
}

func (v *Validator) validateShell(command, safetyLevel string) Result {
	lower := strings.ToLower(command)
	for _, blocked := range v.blocked {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return Result{
				Valid:    false,
				Reason:   "Blocked command pattern: " + blocked,
				Severity: "high",
			}
		}
	}

	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			return Result{
				Valid:    false,
				Reason:   "Dangerous command pattern detected",
				Severity: "high",
			}
		}
	}

	head := cmdline.HeadToken(command)
	if head != "" && !v.allowed[head] {
		return Result{
			Valid:    false,
			Reason:   "Command not in allowlist: " + head,
			Severity: "medium",
		}
	}

	if path, hit := v.protectedPathHit(command); hit && safetyLevel != types.SafetyLevelDestructive {
		return Result{
			Valid:    false,
			Reason:   "Access to protected path: " + path,
			Severity: "high",
		}
	}

	if safetyLevel == types.SafetyLevelDestructive {
		for _, pattern := range extremeRiskPatterns {
			if pattern.MatchString(command) {
				return Result{
					Valid:    false,
					Reason:   "Extremely destructive command: could destroy system or critical data",
					Severity: "critical",
				}
			}
		}
	}

	return Result{
		Valid:    true,
		Reason:   "Command passed security validation",
		Severity: "none",
		Warnings: v.warnings(command),
	}
}

func (v *Validator) validatePython(command, safetyLevel string) Result {
	if safetyLevel != types.SafetyLevelDestructive {
		for _, dangerous := range dangerousPython {
			if strings.Contains(command, dangerous) {
				return Result{
					Valid:    false,
					Reason:   "Potentially dangerous Python operation: " + dangerous,
					Severity: "medium",
				}
			}
		}
	}
	return Result{Valid: true, Reason: "Python command passed validation", Severity: "none"}
}

func (v *Validator) validateSQL(command, safetyLevel string) Result {
	if safetyLevel != types.SafetyLevelDestructive {
		upper := strings.ToUpper(command)
		for _, dangerous := range dangerousSQL {
			if strings.Contains(upper, dangerous) {
				return Result{
					Valid:    false,
					Reason:   "Potentially destructive SQL operation: " + dangerous,
					Severity: "high",
				}
			}
		}
	}
	return Result{Valid: true, Reason: "SQL command passed validation", Severity: "none"}
}

func (v *Validator) protectedPathHit(command string) (string, bool) {
	for _, path := range protectedPaths {
		if strings.Contains(command, path) {
			return path, true
		}
	}
	return "", false
}

func (v *Validator) warnings(command string) []string {
	var warnings []string

	for _, cmd := range []string{"rm ", "mv ", "cp "} {
		if strings.Contains(command, cmd) {
			warnings = append(warnings, "Command modifies files")
			break
		}
	}
	for _, cmd := range []string{"curl", "wget", "ssh", "scp"} {
		if strings.Contains(command, cmd) {
			warnings = append(warnings, "Command involves network operations")
			break
		}
	}
	for _, cmd := range []string{"pip install", "npm install", "apt install"} {
		if strings.Contains(command, cmd) {
			warnings = append(warnings, "Command installs software packages")
			break
		}
	}
	if strings.Contains(command, "sudo") {
		warnings = append(warnings, "Command uses elevated privileges")
	}

	return warnings
}
