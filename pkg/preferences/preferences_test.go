package preferences

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "preferences.json"))
}

func TestFingerprintStableUnderWhitespace(t *testing.T) {
	assert.Equal(t, Fingerprint("ls   -la"), Fingerprint("ls -la"))
	assert.Equal(t, Fingerprint("ls\t-la"), Fingerprint(" ls -la "))
	assert.NotEqual(t, Fingerprint("ls -la"), Fingerprint("ls -l"))
	assert.Len(t, Fingerprint("ls -la"), 16)
}

func TestExactMatchBeatsPattern(t *testing.T) {
	store := newTestStore(t)
	store.Learn("dev", "rm scratch.txt", false, "never this one")

	match := store.Lookup("dev", "rm   scratch.txt")
	require.NotNil(t, match)
	assert.True(t, match.AlwaysDeny)
	assert.Equal(t, 1.0, match.Confidence)
	assert.Equal(t, "Exact command match", match.BasedOn)
}

func TestPatternThresholds(t *testing.T) {
	store := newTestStore(t)

	// total=3 approved=3 -> always_approve, confidence 1.0
	store.Learn("dev", "pip install requests", true, "")
	store.Learn("dev", "pip install flask", true, "")
	store.Learn("dev", "pip install numpy", true, "")

	match := store.Lookup("dev", "pip install pandas")
	require.NotNil(t, match)
	assert.True(t, match.AlwaysApprove)
	assert.Equal(t, 1.0, match.Confidence)
	assert.Contains(t, match.BasedOn, "pip")
}

func TestPatternDenyThreshold(t *testing.T) {
	store := newTestStore(t)

	// total=3 approved=0 -> always_deny
	store.Learn("dev", "dd if=/dev/zero of=a", false, "")
	store.Learn("dev", "dd if=/dev/zero of=b", false, "")
	store.Learn("dev", "dd if=/dev/zero of=c", false, "")

	match := store.Lookup("dev", "dd if=/dev/zero of=d")
	require.NotNil(t, match)
	assert.True(t, match.AlwaysDeny)
	assert.Equal(t, 1.0, match.Confidence)
}

func TestPatternBelowMinimumExamples(t *testing.T) {
	store := newTestStore(t)

	// total=2 approved=2 -> not enough evidence
	store.Learn("dev", "npm install lodash", true, "")
	store.Learn("dev", "npm install react", true, "")

	assert.Nil(t, store.Lookup("dev", "npm install vue"))
}

func TestPatternMixedRateYieldsNone(t *testing.T) {
	store := newTestStore(t)

	store.Learn("dev", "git push origin a", true, "")
	store.Learn("dev", "git push origin b", true, "")
	store.Learn("dev", "git push origin c", false, "")
	store.Learn("dev", "git push origin d", false, "")

	// rate 0.5: neither threshold reached
	assert.Nil(t, store.Lookup("dev", "git push origin e"))
}

func TestUsersAreIsolated(t *testing.T) {
	store := newTestStore(t)
	store.Learn("alice", "pip install a", true, "")
	store.Learn("alice", "pip install b", true, "")
	store.Learn("alice", "pip install c", true, "")

	assert.NotNil(t, store.Lookup("alice", "pip install d"))
	assert.Nil(t, store.Lookup("bob", "pip install d"))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.json")

	store := NewStore(path)
	store.Learn("dev", "ls -la", true, "harmless")
	require.NoError(t, store.Save())

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())

	match := reloaded.Lookup("dev", "ls -la")
	require.NotNil(t, match)
	assert.True(t, match.AlwaysApprove)
}

func TestLoadMissingFileLeavesStoreEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, store.Load())
	assert.Nil(t, store.Lookup("dev", "ls"))
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "export.json")

	store := NewStore(filepath.Join(dir, "prefs.json"))
	store.Learn("dev", "git status", true, "")
	store.Learn("dev", "git log", true, "")
	store.Learn("dev", "git diff", true, "")
	require.NoError(t, store.ExportUser("dev", exportPath))

	other := NewStore(filepath.Join(dir, "other.json"))
	require.NoError(t, other.ImportUser(exportPath))

	match := other.Lookup("dev", "git show")
	require.NotNil(t, match)
	assert.True(t, match.AlwaysApprove)

	// Exported stats survive the round trip exactly
	assert.Equal(t, store.UserStats("dev").TotalPreferences, other.UserStats("dev").TotalPreferences)
	assert.Equal(t, store.UserStats("dev").LearnedPatterns, other.UserStats("dev").LearnedPatterns)
}

func TestClearUser(t *testing.T) {
	store := newTestStore(t)
	store.Learn("dev", "ls", true, "")
	store.ClearUser("dev")

	assert.Nil(t, store.Lookup("dev", "ls"))
	assert.Equal(t, 0, store.UserStats("dev").TotalPreferences)
}

func TestUserStats(t *testing.T) {
	store := newTestStore(t)
	store.Learn("dev", "ls -la", true, "")
	store.Learn("dev", "rm x.txt", false, "")
	store.Learn("dev", "ls /tmp", true, "")

	stats := store.UserStats("dev")
	assert.Equal(t, 3, stats.TotalPreferences)
	assert.Equal(t, 2, stats.ApprovedCount)
	assert.Equal(t, 1, stats.RejectedCount)
	assert.InDelta(t, 2.0/3.0, stats.ApprovalRate, 0.001)
	require.NotEmpty(t, stats.MostCommon)
	assert.Equal(t, "ls", stats.MostCommon[0].Command)
}
