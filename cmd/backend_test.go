package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendRun_ListsCapabilities(t *testing.T) {
	testEnv(t)

	require.NoError(t, backendRun())
	out := ui.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "memory")
	assert.Contains(t, out, "dependencies")
	assert.Contains(t, out, "max-concurrency")
}

func TestBackendRun_UnknownType(t *testing.T) {
	testEnv(t)
	viper.Set("backend.type", "jira")

	assert.Error(t, backendRun())
}

func TestIssuesRun_Empty(t *testing.T) {
	testEnv(t)
	issuesRepo = t.TempDir()
	issuesStatus, issuesLabel, issuesQuery = "", "", ""
	issuesAll, issuesReady = false, false

	require.NoError(t, issuesRun())
	assert.Contains(t, ui.Out.(*bytes.Buffer).String(), "No issues found")
}

func TestHistory_EmptyAndNotFound(t *testing.T) {
	testEnv(t)
	historyRepo, historySlug, historyLimit, historyJSON = "", "", 20, false

	require.NoError(t, historyListRun())
	assert.Contains(t, ui.Out.(*bytes.Buffer).String(), "No applications recorded")

	err := historyShowRun("01NOPE")
	assert.Error(t, err)
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", timeAgo(time.Now()))
	assert.Equal(t, "5m ago", timeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", timeAgo(time.Now().Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", timeAgo(time.Now().Add(-49*time.Hour)))
}
