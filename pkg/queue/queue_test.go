package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := NewQueue(rdb, nil)
	q.pollTimeout = 100 * time.Millisecond
	return q, mr
}

func TestEnqueueDequeueArchive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := uuid.New()

	require.NoError(t, q.EnqueueArchive(ctx, ArchivePayload{SessionID: sessionID}))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeSessionArchive, job.Type)
	assert.Equal(t, 0, job.Attempt)

	var p ArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, sessionID, p.SessionID)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueSkipsGarbage(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.Push(QueueArchive, "not json")
	require.NoError(t, err)
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryMovesToDLQAfterMaxRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueArchive(ctx, ArchivePayload{SessionID: uuid.New()}))

	for i := 1; i <= MaxRetries; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		dead, err := q.Retry(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, i == MaxRetries, dead, "attempt %d", i)
	}

	n, err := q.Len(ctx, QueueArchive)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = q.Len(ctx, QueueDLQ)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
