// Package preferences learns per-user approve/deny patterns and persists
// them to disk.
package preferences

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alantheprice/devosd/pkg/cmdline"
)

const (
	// History ring size applied on save.
	maxHistoryEntries = 1000

	// Pattern matching thresholds.
	minPatternExamples = 3
	approveRate        = 0.8
	denyRate           = 0.2
)

// Entry is a remembered decision for one exact command fingerprint.
type Entry struct {
	Command    string `json:"command"`
	Approved   bool   `json:"approved"`
	Note       string `json:"note"`
	LearnedAt  string `json:"learned_at"`
	UsageCount int    `json:"usage_count"`
}

// PatternCounters tracks approve/reject tallies for a head-command token.
type PatternCounters struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}

// HistoryEntry is one row of the global approval history ring.
type HistoryEntry struct {
	UserID    string `json:"user_id"`
	Command   string `json:"command"`
	Approved  bool   `json:"approved"`
	Note      string `json:"note"`
	Timestamp string `json:"timestamp"`
}

// Match is the result of a preference lookup.
type Match struct {
	AlwaysApprove bool    `json:"always_approve,omitempty"`
	AlwaysDeny    bool    `json:"always_deny,omitempty"`
	Confidence    float64 `json:"confidence"`
	BasedOn       string  `json:"based_on"`
}

// Stats summarizes one user's learned preferences.
type Stats struct {
	TotalPreferences int             `json:"total_preferences"`
	ApprovedCount    int             `json:"approved_count"`
	RejectedCount    int             `json:"rejected_count"`
	ApprovalRate     float64         `json:"approval_rate"`
	MostCommon       []CommandCount  `json:"most_common_commands"`
	LearnedPatterns  int             `json:"learned_patterns"`
	LastActivity     string          `json:"last_activity,omitempty"`
}

// CommandCount pairs a head token with its usage count.
type CommandCount struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

type fileFormat struct {
	Preferences     map[string]map[string]Entry           `json:"preferences"`
	CommandPatterns map[string]map[string]PatternCounters `json:"command_patterns"`
	ApprovalHistory []HistoryEntry                        `json:"approval_history"`
	LastUpdated     string                                `json:"last_updated"`
}

type exportFormat struct {
	UserID      string                     `json:"user_id"`
	Preferences map[string]Entry           `json:"preferences"`
	Patterns    map[string]PatternCounters `json:"patterns"`
	ExportedAt  string                     `json:"exported_at"`
}

// Store holds all users' preferences in memory and persists them as a
// single JSON document.
type Store struct {
	mu   sync.Mutex
	path string

	preferences map[string]map[string]Entry
	patterns    map[string]map[string]PatternCounters
	history     []HistoryEntry
}

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		path:        path,
		preferences: make(map[string]map[string]Entry),
		patterns:    make(map[string]map[string]PatternCounters),
	}
}

// Load reads the preferences file. A missing or unreadable file leaves
// the store empty; load failure is never fatal.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.resetLocked()
		return fmt.Errorf("failed to read preferences file: %w", err)
	}

	var parsed fileFormat
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.resetLocked()
		return fmt.Errorf("failed to parse preferences file: %w", err)
	}

	if parsed.Preferences != nil {
		s.preferences = parsed.Preferences
	}
	if parsed.CommandPatterns != nil {
		s.patterns = parsed.CommandPatterns
	}
	s.history = parsed.ApprovalHistory
	return nil
}

func (s *Store) resetLocked() {
	s.preferences = make(map[string]map[string]Entry)
	s.patterns = make(map[string]map[string]PatternCounters)
	s.history = nil
}

// Save atomically rewrites the preferences file, trimming the approval
// history ring to its retention limit.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	history := s.history
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
		s.history = history
	}

	doc := fileFormat{
		Preferences:     s.preferences,
		CommandPatterns: s.patterns,
		ApprovalHistory: history,
		LastUpdated:     time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace preferences file: %w", err)
	}
	return nil
}

// Fingerprint hashes a whitespace-normalized command into its preference
// key: the first 16 hex characters of the SHA-256 digest.
func Fingerprint(command string) string {
	normalized := cmdline.Normalize(command)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Lookup finds a preference for the command: an exact fingerprint hit
// first, then a probabilistic pattern match on the head token. A nil
// result means no preference exists.
func (s *Store) Lookup(userID, command string) *Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userPrefs, ok := s.preferences[userID]; ok {
		if entry, ok := userPrefs[Fingerprint(command)]; ok {
			match := &Match{Confidence: 1.0, BasedOn: "Exact command match"}
			if entry.Approved {
				match.AlwaysApprove = true
			} else {
				match.AlwaysDeny = true
			}
			return match
		}
	}

	return s.patternMatchLocked(userID, command)
}

func (s *Store) patternMatchLocked(userID, command string) *Match {
	userPatterns, ok := s.patterns[userID]
	if !ok {
		return nil
	}

	head := cmdline.HeadToken(command)
	counters, ok := userPatterns[head]
	if !ok || counters.Total < minPatternExamples {
		return nil
	}

	rate := float64(counters.Approved) / float64(counters.Total)
	basedOn := fmt.Sprintf("Pattern match for '%s' (%d examples)", head, counters.Total)

	if rate >= approveRate {
		return &Match{AlwaysApprove: true, Confidence: rate, BasedOn: basedOn}
	}
	if rate <= denyRate {
		return &Match{AlwaysDeny: true, Confidence: 1 - rate, BasedOn: basedOn}
	}
	return nil
}

// Learn records a decision: the exact fingerprint, the head-token pattern
// counters, flag-level counters, and the history ring all update.
func (s *Store) Learn(userID, command string, approved bool, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preferences[userID] == nil {
		s.preferences[userID] = make(map[string]Entry)
	}

	fp := Fingerprint(command)
	entry := s.preferences[userID][fp]
	s.preferences[userID][fp] = Entry{
		Command:    command,
		Approved:   approved,
		Note:       note,
		LearnedAt:  time.Now().UTC().Format(time.RFC3339),
		UsageCount: entry.UsageCount + 1,
	}

	s.learnPatternLocked(userID, command, approved)

	s.history = append(s.history, HistoryEntry{
		UserID:    userID,
		Command:   command,
		Approved:  approved,
		Note:      note,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Store) learnPatternLocked(userID, command string, approved bool) {
	if s.patterns[userID] == nil {
		s.patterns[userID] = make(map[string]PatternCounters)
	}
	userPatterns := s.patterns[userID]

	bump := func(key string) {
		counters := userPatterns[key]
		if approved {
			counters.Approved++
		} else {
			counters.Rejected++
		}
		counters.Total++
		userPatterns[key] = counters
	}

	head := cmdline.HeadToken(command)
	bump(head)

	// Flag-level counters refine the head-token signal
	for _, arg := range cmdline.Args(command) {
		if strings.HasPrefix(arg, "-") {
			bump(head + "_flag_" + arg)
		}
	}
}

// UserStats computes approval statistics for one user.
func (s *Store) UserStats(userID string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	userPrefs := s.preferences[userID]
	userPatterns := s.patterns[userID]

	stats := Stats{
		TotalPreferences: len(userPrefs),
		LearnedPatterns:  len(userPatterns),
	}

	commandCounts := make(map[string]int)
	var lastActivity string
	for _, entry := range userPrefs {
		if entry.Approved {
			stats.ApprovedCount++
		} else {
			stats.RejectedCount++
		}
		commandCounts[cmdline.HeadToken(entry.Command)]++
		if entry.LearnedAt > lastActivity {
			lastActivity = entry.LearnedAt
		}
	}
	if len(userPrefs) > 0 {
		stats.ApprovalRate = float64(stats.ApprovedCount) / float64(len(userPrefs))
		stats.LastActivity = lastActivity
	}

	for command, count := range commandCounts {
		stats.MostCommon = append(stats.MostCommon, CommandCount{Command: command, Count: count})
	}
	sort.Slice(stats.MostCommon, func(i, j int) bool {
		if stats.MostCommon[i].Count != stats.MostCommon[j].Count {
			return stats.MostCommon[i].Count > stats.MostCommon[j].Count
		}
		return stats.MostCommon[i].Command < stats.MostCommon[j].Command
	})
	if len(stats.MostCommon) > 10 {
		stats.MostCommon = stats.MostCommon[:10]
	}

	return stats
}

// ClearUser removes every trace of a user from the store.
func (s *Store) ClearUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.preferences, userID)
	delete(s.patterns, userID)

	kept := s.history[:0]
	for _, entry := range s.history {
		if entry.UserID != userID {
			kept = append(kept, entry)
		}
	}
	s.history = kept
}

// ExportUser writes one user's preferences and patterns to a file.
func (s *Store) ExportUser(userID, path string) error {
	s.mu.Lock()
	doc := exportFormat{
		UserID:      userID,
		Preferences: s.preferences[userID],
		Patterns:    s.patterns[userID],
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}

// ImportUser merges a previously exported file into the store.
func (s *Store) ImportUser(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var doc exportFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}
	if doc.UserID == "" {
		return fmt.Errorf("import file missing user_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preferences[doc.UserID] == nil {
		s.preferences[doc.UserID] = make(map[string]Entry)
	}
	for fp, entry := range doc.Preferences {
		s.preferences[doc.UserID][fp] = entry
	}

	if s.patterns[doc.UserID] == nil {
		s.patterns[doc.UserID] = make(map[string]PatternCounters)
	}
	for token, counters := range doc.Patterns {
		s.patterns[doc.UserID][token] = counters
	}
	return nil
}
