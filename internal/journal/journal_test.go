// ABOUTME: Tests for the SQLite job journal.
// ABOUTME: Covers submission, completion, resubmission, and recent listing.

package journal

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "jobs.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordSubmission_AndGet(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordSubmission(ctx, "req-1", "user-1", "text_to_scene", "text-to-scene"))

	job, err := j.Get(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "req-1", job.RequestID)
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, "text_to_scene", job.Action)
	assert.Equal(t, "text-to-scene", job.Topic)
	assert.Nil(t, job.CompletedAt)
}

func TestGet_Unknown(t *testing.T) {
	j := openTestJournal(t)

	job, err := j.Get(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRecordCompletion(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordSubmission(ctx, "req-1", "user-1", "analyze_sentiment", "sentiment-analysis"))
	require.NoError(t, j.RecordCompletion(ctx, "req-1"))

	job, err := j.Get(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.IsZero())
}

func TestRecordCompletion_UnknownIsIgnored(t *testing.T) {
	j := openTestJournal(t)

	assert.NoError(t, j.RecordCompletion(context.Background(), "someone-elses-job"))
}

func TestRecordSubmission_ResubmissionResetsCompletion(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordSubmission(ctx, "req-1", "user-1", "ar_rendering", "ar-rendering"))
	require.NoError(t, j.RecordCompletion(ctx, "req-1"))
	require.NoError(t, j.RecordSubmission(ctx, "req-1", "user-1", "ar_rendering", "ar-rendering"))

	job, err := j.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Nil(t, job.CompletedAt)
}

func TestRecent_NewestFirstWithLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		require.NoError(t, j.RecordSubmission(ctx, id, "user-1", "text_to_scene", "text-to-scene"))
		time.Sleep(2 * time.Millisecond) // distinct submitted_at ordering
	}

	jobs, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "req-3", jobs[0].RequestID)
	assert.Equal(t, "req-2", jobs[1].RequestID)

	// Non-positive limits fall back to the default.
	jobs, err = j.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
