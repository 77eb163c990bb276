package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/alantheprice/devosd/pkg/logging"
)

const gitCommandTimeout = 30 * time.Second

// Commit is one entry from the recent history.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Time    string `json:"time"`
}

// GitMonitor reports repository state for a working directory.
type GitMonitor struct {
	logger *logging.Logger
}

// NewGitMonitor creates a git state reader.
func NewGitMonitor(logger *logging.Logger) *GitMonitor {
	return &GitMonitor{logger: logger}
}

func (m *GitMonitor) run(repoPath string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("git command timed out")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepository reports whether the path is inside a git work tree.
func (m *GitMonitor) IsRepository(path string) bool {
	_, err := m.run(path, "rev-parse", "--git-dir")
	return err == nil
}

// Status collects branch, working tree and recent history state as a
// context map. Non-repositories yield an error map.
func (m *GitMonitor) Status(repoPath string) map[string]any {
	if !m.IsRepository(repoPath) {
		return map[string]any{"error": "Not a git repository"}
	}

	status := map[string]any{}

	branch, err := m.run(repoPath, "branch", "--show-current")
	switch {
	case err != nil:
		status["current_branch"] = "unknown"
	case branch == "":
		status["current_branch"] = "detached"
	default:
		status["current_branch"] = branch
	}

	if porcelain, err := m.run(repoPath, "status", "--porcelain"); err == nil {
		staged, modified, untracked := parsePorcelain(porcelain)
		uncommitted := append(append(append([]string{}, staged...), modified...), untracked...)

		status["staged_files"] = staged
		status["modified_files"] = modified
		status["untracked_files"] = untracked
		status["uncommitted_changes"] = uncommitted
		if len(uncommitted) == 0 {
			status["status"] = "clean"
			status["clean"] = true
		} else {
			status["status"] = fmt.Sprintf("%d files changed", len(uncommitted))
			status["clean"] = false
		}
	}

	if log, err := m.run(repoPath, "log", "--oneline", "-10", "--format=%h|%s|%an|%ar"); err == nil && log != "" {
		var commits []Commit
		for _, line := range strings.Split(log, "\n") {
			parts := strings.SplitN(line, "|", 4)
			if len(parts) == 4 {
				commits = append(commits, Commit{
					Hash:    parts[0],
					Message: parts[1],
					Author:  parts[2],
					Time:    parts[3],
				})
			}
		}
		status["recent_commits"] = commits
	}

	return status
}

// parsePorcelain splits `git status --porcelain` output into staged,
// modified and untracked paths.
func parsePorcelain(output string) (staged, modified, untracked []string) {
	staged, modified, untracked = []string{}, []string{}, []string{}
	if output == "" {
		return
	}

	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := line[3:]

		if code == "??" {
			untracked = append(untracked, path)
			continue
		}
		if strings.ContainsRune("AMDRC", rune(code[0])) {
			staged = append(staged, path)
		}
		if code[1] == 'M' || code[1] == 'D' {
			modified = append(modified, path)
		}
	}
	return
}
