package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/pkg/models"
)

func TestJobService_ClaimTargeting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	enqueue := func(kind string, target string) *models.Job {
		job, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{
			SessionID:      sessionID,
			Kind:           kind,
			TargetWorkerID: target,
		})
		require.NoError(t, err)
		return job
	}

	t.Run("targeted jobs win over older untargeted ones", func(t *testing.T) {
		untargeted := enqueue("build", "")
		targeted := enqueue("build", "worker-1")

		got, err := env.jobs.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, targeted.ID, got.ID)

		got, err = env.jobs.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, untargeted.ID, got.ID)
	})

	t.Run("foreign-targeted jobs are invisible", func(t *testing.T) {
		enqueue("deploy", "worker-9")

		got, err := env.jobs.Claim(ctx, "worker-2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestJobService_ConcurrentClaimSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	job, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{
		SessionID: sessionID, Kind: "build",
	})
	require.NoError(t, err)

	// Race many claimers for one job: exactly one wins.
	const claimers = 8
	type outcome struct {
		job *models.Job
		err error
	}
	results := make(chan outcome, claimers)
	for i := 0; i < claimers; i++ {
		workerID := "worker-" + string(rune('a'+i))
		go func() {
			got, err := env.jobs.Claim(ctx, workerID)
			results <- outcome{got, err}
		}()
	}

	winners := 0
	for i := 0; i < claimers; i++ {
		res := <-results
		require.NoError(t, res.err)
		if res.job != nil {
			winners++
			assert.Equal(t, job.ID, res.job.ID)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestJobService_StartIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	_, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{SessionID: sessionID, Kind: "test"})
	require.NoError(t, err)
	job, err := env.jobs.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	first, err := env.jobs.Start(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)

	second, err := env.jobs.Start(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, first.StartedAt.UnixMicro(), second.StartedAt.UnixMicro())

	// A worker that does not hold the claim cannot start the job.
	_, err = env.jobs.Start(ctx, job.ID, "worker-2")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestJobService_Logs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	job, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{SessionID: sessionID, Kind: "build"})
	require.NoError(t, err)

	lines := []models.LogLine{
		{Stream: models.StreamStdout, Seq: 1, Line: "compiling"},
		{Stream: models.StreamStdout, Seq: 2, Line: "linking"},
		{Stream: models.StreamStderr, Seq: 1, Line: "warning: unused var"},
	}
	require.NoError(t, env.jobs.AppendLogs(ctx, job.ID, lines))

	t.Run("tail returns lines in sequence order", func(t *testing.T) {
		got, err := env.jobs.TailLogs(ctx, job.ID, models.StreamStdout, 0, 100)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "compiling", got[0].Line)
		assert.Equal(t, "linking", got[1].Line)
	})

	t.Run("empty stream returns both streams", func(t *testing.T) {
		got, err := env.jobs.TailLogs(ctx, job.ID, "", 0, 100)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, models.StreamStderr, got[0].Stream)
		assert.Equal(t, "warning: unused var", got[0].Line)
		assert.Equal(t, models.StreamStdout, got[1].Stream)
		assert.Equal(t, int64(1), got[1].Seq)
		assert.Equal(t, int64(2), got[2].Seq)
	})

	t.Run("after cursor skips delivered lines", func(t *testing.T) {
		got, err := env.jobs.TailLogs(ctx, job.ID, models.StreamStdout, 1, 100)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].Seq)
	})

	t.Run("duplicate seq is ignored", func(t *testing.T) {
		err := env.jobs.AppendLogs(ctx, job.ID, []models.LogLine{
			{Stream: models.StreamStdout, Seq: 1, Line: "replayed"},
		})
		require.NoError(t, err)

		got, err := env.jobs.TailLogs(ctx, job.ID, models.StreamStdout, 0, 100)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "compiling", got[0].Line, "first write wins")
	})

	t.Run("first log stamps the job", func(t *testing.T) {
		stamped, err := env.jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.NotNil(t, stamped.FirstLogAt)
	})

	t.Run("rejects invalid lines", func(t *testing.T) {
		err := env.jobs.AppendLogs(ctx, job.ID, []models.LogLine{
			{Stream: "trace", Seq: 1, Line: "nope"},
		})
		assert.True(t, IsValidationError(err))

		err = env.jobs.AppendLogs(ctx, job.ID, []models.LogLine{
			{Stream: models.StreamStdout, Seq: 0, Line: "nope"},
		})
		assert.True(t, IsValidationError(err))
	})
}

func TestJobService_RequeueBounded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	const maxRequeues = 2

	job, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{SessionID: sessionID, Kind: "build"})
	require.NoError(t, err)

	for i := 1; i <= maxRequeues; i++ {
		claimed, err := env.jobs.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		after, requeued, err := env.jobs.Requeue(ctx, job.ID, maxRequeues)
		require.NoError(t, err)
		assert.True(t, requeued)
		assert.Equal(t, models.StatusPending, after.Status)
		assert.Equal(t, i, after.RequeueCount)
		assert.Empty(t, after.WorkerID)
	}

	// The budget is spent: the next loss fails the job for good.
	claimed, err := env.jobs.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	after, requeued, err := env.jobs.Requeue(ctx, job.ID, maxRequeues)
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, models.StatusFailed, after.Status)
	require.NotNil(t, after.Error)
	assert.Equal(t, "worker-lost", after.Error.Message)
}

func TestJobService_RequeueClearsTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	job, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{
		SessionID: sessionID, Kind: "build", TargetWorkerID: "worker-1",
	})
	require.NoError(t, err)

	claimed, err := env.jobs.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	after, requeued, err := env.jobs.Requeue(ctx, job.ID, 3)
	require.NoError(t, err)
	require.True(t, requeued)
	assert.Empty(t, after.TargetWorkerID)

	// The job must not stay pinned to the lost worker: anyone can claim it.
	rescued, err := env.jobs.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, rescued)
	assert.Equal(t, job.ID, rescued.ID)
}

func TestJobService_Release(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	t.Run("clears the target by default", func(t *testing.T) {
		_, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{
			SessionID: sessionID, Kind: "build", TargetWorkerID: "worker-1",
		})
		require.NoError(t, err)
		claimed, err := env.jobs.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		released, err := env.jobs.Release(ctx, claimed.ID, false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, released.Status)
		assert.Empty(t, released.WorkerID)
		assert.Empty(t, released.TargetWorkerID)
		assert.Equal(t, 0, released.RequeueCount, "release does not consume the requeue budget")
	})

	t.Run("keepTarget preserves the hint", func(t *testing.T) {
		_, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{
			SessionID: sessionID, Kind: "deploy", TargetWorkerID: "worker-2",
		})
		require.NoError(t, err)
		claimed, err := env.jobs.Claim(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		released, err := env.jobs.Release(ctx, claimed.ID, true)
		require.NoError(t, err)
		assert.Equal(t, "worker-2", released.TargetWorkerID)
	})

	t.Run("releasing a completed job conflicts", func(t *testing.T) {
		_, _, err := env.jobs.Enqueue(ctx, EnqueueJobParams{SessionID: sessionID, Kind: "test"})
		require.NoError(t, err)
		claimed, err := env.jobs.Claim(ctx, "worker-3")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		_, err = env.jobs.Complete(ctx, claimed.ID, "worker-3", json.RawMessage(`{"ok":true}`))
		require.NoError(t, err)

		_, err = env.jobs.Release(ctx, claimed.ID, false)
		assert.ErrorIs(t, err, ErrConflict)
	})
}
