package handlers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/handlers"
	apitesting "github.com/andeslabs/sqlcopilot/api/testing"
)

func TestRunLifecycle(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	run, err := handlers.CreateRun(ctx, "sess-run-1", "analytics", "how many orders today", "server-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, handlers.RunStatusRunning, run.Status)
	require.NotNil(t, run.ClaimedBy)
	assert.Equal(t, "server-1", *run.ClaimedBy)

	require.NoError(t, handlers.TouchRun(ctx, run.ID, "generate-sql"))

	require.NoError(t, handlers.CompleteRun(ctx, run.ID, "There were 12 orders.", "SELECT count() FROM orders", 2))

	got, err := handlers.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, handlers.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Answer)
	assert.Equal(t, "There were 12 orders.", *got.Answer)
	require.NotNil(t, got.SQL)
	assert.Equal(t, 2, got.AttemptCount)
	assert.NotNil(t, got.CompletedAt)
}

func TestSuspendAndResumeRun(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	run, err := handlers.CreateRun(ctx, "sess-run-2", "analytics", "show me the spike", "server-1")
	require.NoError(t, err)

	require.NoError(t, handlers.SuspendRun(ctx, run.ID, "analyze-query", "Which metric do you mean by spike?"))

	got, err := handlers.GetLatestRunForSession(ctx, "sess-run-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, handlers.RunStatusSuspended, got.Status)
	assert.Equal(t, "analyze-query", got.Stage)
	require.NotNil(t, got.QuestionToUser)
	assert.Contains(t, *got.QuestionToUser, "spike")
	assert.Nil(t, got.ClaimedBy, "suspended run should release its claim")

	require.NoError(t, handlers.ResumeRun(ctx, run.ID, "server-2"))
	got, err = handlers.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, handlers.RunStatusRunning, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "server-2", *got.ClaimedBy)
}

func TestGetLatestRunForSession_None(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	got, err := handlers.GetLatestRunForSession(t.Context(), "sess-without-runs")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimStaleRun_FreshClaimIsLeftAlone(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	_, err := handlers.CreateRun(ctx, "sess-run-3", "analytics", "question", "server-1")
	require.NoError(t, err)

	claimed, err := handlers.ClaimStaleRun(ctx, "server-2", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "freshly claimed run must not be stolen")
}

func TestClaimStaleRun_StealsAbandonedRun(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	run, err := handlers.CreateRun(ctx, "sess-run-4", "analytics", "question", "server-1")
	require.NoError(t, err)

	// Simulate a dead server by backdating the claim and last progress.
	_, err = config.PgPool.Exec(ctx, `
		UPDATE copilot_runs
		SET claimed_at = NOW() - INTERVAL '10 minutes',
		    updated_at = NOW() - INTERVAL '10 minutes'
		WHERE id = $1
	`, run.ID)
	require.NoError(t, err)

	claimed, err := handlers.ClaimStaleRun(ctx, "server-2", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed, "stale run should be claimable")
	assert.Equal(t, run.ID, claimed.ID)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "server-2", *claimed.ClaimedBy)

	// A second claim finds nothing left.
	again, err := handlers.ClaimStaleRun(ctx, "server-3", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestClaimStaleRun_IgnoresFinishedRuns(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	ctx := t.Context()

	run, err := handlers.CreateRun(ctx, "sess-run-5", "analytics", "question", "server-1")
	require.NoError(t, err)
	require.NoError(t, handlers.FailRun(ctx, run.ID, "backend unavailable"))

	_, err = config.PgPool.Exec(ctx, `
		UPDATE copilot_runs SET updated_at = NOW() - INTERVAL '10 minutes' WHERE id = $1
	`, run.ID)
	require.NoError(t, err)

	claimed, err := handlers.ClaimStaleRun(ctx, "server-2", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "failed runs are terminal and never reclaimed")
}
