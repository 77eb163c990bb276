// Package risk scores commands before they reach the approval gate.
package risk

import (
	"regexp"
	"strings"

	"github.com/alantheprice/devosd/pkg/cmdline"
	"github.com/alantheprice/devosd/pkg/types"
)

// Level is the classifier's risk level.
type Level int

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "safe"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Factors breaks the final score into its contributing sub-scores.
type Factors struct {
	BaseCommand string `json:"base_command"`
	Patterns    string `json:"patterns"`
	Context     string `json:"context"`
	Paths       string `json:"paths"`
}

// Report is the classifier output for one command.
type Report struct {
	Level           string   `json:"level"`
	Score           int      `json:"score"`
	Factors         Factors  `json:"factors"`
	Reasons         []string `json:"reasons"`
	Recommendations []string `json:"recommendations"`
}

// Per-token base risk. Unknown tokens default to medium.
var commandRisks = map[string]Level{
	// Safe read-only commands
	"ls": LevelSafe, "cat": LevelSafe, "grep": LevelSafe, "find": LevelSafe,
	"head": LevelSafe, "tail": LevelSafe, "pwd": LevelSafe, "whoami": LevelSafe,
	"date": LevelSafe, "uptime": LevelSafe, "which": LevelSafe, "whereis": LevelSafe,
	"echo": LevelSafe,

	// Low risk
	"mkdir": LevelLow, "touch": LevelLow, "cp": LevelLow, "mv": LevelLow,

	// Medium risk
	"rm": LevelMedium, "rmdir": LevelMedium, "chmod": LevelMedium, "chown": LevelMedium,

	// High risk
	"sudo": LevelHigh, "su": LevelHigh, "passwd": LevelHigh,
	"systemctl": LevelHigh, "service": LevelHigh,
	"iptables": LevelHigh, "ufw": LevelHigh,

	// Critical risk
	"dd": LevelCritical, "mkfs": LevelCritical, "fdisk": LevelCritical,
	"cfdisk": LevelCritical, "parted": LevelCritical,
}

var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
	regexp.MustCompile(`(?i)rm\s+-rf\s+\*`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`(?i)chmod\s+777\s+/`),
	regexp.MustCompile(`(?i)chown\s+.*\s+/`),
	regexp.MustCompile(`(?i)curl.*\|\s*sh`),
	regexp.MustCompile(`(?i)wget.*\|\s*sh`),
	regexp.MustCompile(`(?i):\(\)\{\s*:\|:&\s*\}`),
}

var evalPattern = regexp.MustCompile(`eval\s*\$\(`)

var criticalPaths = []string{
	"/boot", "/sys", "/proc", "/dev",
	"/etc/passwd", "/etc/shadow", "/etc/sudoers",
	"/var/log", "/etc/ssh", "/root",
}

var systemDirs = map[string]bool{
	"/boot": true, "/sys": true, "/proc": true, "/dev": true, "/etc": true,
}

// Classifier assesses command risk. It is stateless and safe for
// concurrent use.
type Classifier struct{}

// NewClassifier returns a ready classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Assess computes a Report for the command in its context. The final
// score is the maximum of the four sub-scores so a single critical signal
// dominates.
func (c *Classifier) Assess(command string, ctx *types.ContextSnapshot) Report {
	base := c.baseScore(command)
	pattern := c.patternScore(command)
	contextual := c.contextScore(ctx)
	path := c.pathScore(command)

	overall := maxLevel(base, pattern, contextual, path)

	return Report{
		Level: overall.String(),
		Score: int(overall),
		Factors: Factors{
			BaseCommand: base.String(),
			Patterns:    pattern.String(),
			Context:     contextual.String(),
			Paths:       path.String(),
		},
		Reasons:         c.reasons(command, overall),
		Recommendations: c.recommendations(overall),
	}
}

// FallbackReport is returned when assessment itself goes wrong: medium
// risk, requiring manual review.
func FallbackReport() Report {
	return Report{
		Level:           LevelMedium.String(),
		Score:           int(LevelMedium),
		Reasons:         []string{"Risk assessment failed, defaulting to medium risk"},
		Recommendations: []string{"Manual review required"},
	}
}

// IsAutoApprovable reports whether the command may skip the approval
// gate. Only safe commands qualify.
func (c *Classifier) IsAutoApprovable(command string, ctx *types.ContextSnapshot) bool {
	return c.Assess(command, ctx).Score <= int(LevelSafe)
}

func (c *Classifier) baseScore(command string) Level {
	head := cmdline.HeadToken(command)
	if head == "" {
		return LevelLow
	}

	if level, ok := commandRisks[head]; ok {
		if strings.HasPrefix(strings.TrimSpace(command), "sudo ") {
			return maxLevel(LevelHigh, level)
		}
		return level
	}

	if strings.HasPrefix(strings.TrimSpace(command), "sudo ") {
		return LevelHigh
	}

	// Unknown command
	return LevelMedium
}

func (c *Classifier) patternScore(command string) Level {
	score := LevelSafe

	for _, pattern := range highRiskPatterns {
		if pattern.MatchString(command) {
			score = maxLevel(score, LevelCritical)
		}
	}

	if strings.Contains(command, "|") {
		for _, shell := range []string{"sh", "bash", "zsh"} {
			if strings.Contains(command, shell) {
				score = maxLevel(score, LevelHigh)
				break
			}
		}
	}

	if evalPattern.MatchString(command) {
		score = maxLevel(score, LevelHigh)
	}

	return score
}

func (c *Classifier) contextScore(ctx *types.ContextSnapshot) Level {
	if ctx == nil {
		return LevelSafe
	}

	score := LevelSafe

	if systemDirs[ctx.Cwd] {
		score = maxLevel(score, LevelHigh)
	}
	if ctx.UserID == "root" {
		score = maxLevel(score, LevelMedium)
	}

	return score
}

func (c *Classifier) pathScore(command string) Level {
	score := LevelSafe

	for _, criticalPath := range criticalPaths {
		if !strings.Contains(command, criticalPath) {
			continue
		}
		destructive := false
		for _, op := range []string{"rm", "mv", "cp", "chmod", "chown"} {
			if strings.Contains(command, op) {
				destructive = true
				break
			}
		}
		if destructive {
			score = maxLevel(score, LevelCritical)
		} else {
			score = maxLevel(score, LevelMedium)
		}
	}

	return score
}

func (c *Classifier) reasons(command string, level Level) []string {
	var reasons []string

	switch {
	case level >= LevelCritical:
		reasons = append(reasons, "Command could cause irreversible system damage")
	case level >= LevelHigh:
		reasons = append(reasons, "Command requires elevated privileges or system access")
	case level >= LevelMedium:
		reasons = append(reasons, "Command modifies files or system state")
	case level >= LevelLow:
		reasons = append(reasons, "Command has minor side effects")
	default:
		reasons = append(reasons, "Command appears safe for execution")
	}

	if strings.Contains(command, "rm") {
		reasons = append(reasons, "Command deletes files or directories")
	}
	if strings.Contains(command, "sudo") {
		reasons = append(reasons, "Command uses elevated privileges")
	}
	for _, criticalPath := range criticalPaths {
		if strings.Contains(command, criticalPath) {
			reasons = append(reasons, "Command accesses critical system paths")
			break
		}
	}

	return reasons
}

func (c *Classifier) recommendations(level Level) []string {
	switch {
	case level >= LevelCritical:
		return []string{
			"Consider alternatives to this command",
			"Review command carefully before execution",
			"Ensure you have system backups",
			"Consider running in a test environment first",
		}
	case level >= LevelHigh:
		return []string{
			"Review command parameters carefully",
			"Ensure you have necessary permissions",
			"Consider the impact on system stability",
		}
	case level >= LevelMedium:
		return []string{
			"Verify target files/directories exist",
			"Consider backing up affected files",
		}
	case level >= LevelLow:
		return []string{"Command should be safe to execute"}
	default:
		return nil
	}
}

func maxLevel(levels ...Level) Level {
	max := LevelSafe
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}
