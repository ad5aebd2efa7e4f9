package channel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/worksync/internal/db"
	"github.com/flowmesh/worksync/internal/wiremsg"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	d, err := db.NewSqliteDb(db.WithPath(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func queuedMsg(t *testing.T, priority wiremsg.Priority) *wiremsg.Message {
	t.Helper()
	msg, err := wiremsg.New(wiremsg.MsgDataSync, "dev-a", "user@example.com", map[string]string{"k": "v"})
	require.NoError(t, err)
	msg.Priority = priority
	return msg
}

func TestOfflineQueueRoundTrip(t *testing.T) {
	q, err := NewOfflineQueue(newTestDB(t), 10)
	require.NoError(t, err)

	m1 := queuedMsg(t, wiremsg.PriorityNormal)
	m2 := queuedMsg(t, wiremsg.PriorityNormal)
	require.NoError(t, q.Enqueue(m1))
	require.NoError(t, q.Enqueue(m2))

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, m1.ID, pending[0].ID, "enqueue order preserved")
	assert.Equal(t, m2.ID, pending[1].ID)

	require.NoError(t, q.Remove(m1.ID))
	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestOfflineQueueDropsExpired(t *testing.T) {
	q, err := NewOfflineQueue(newTestDB(t), 10)
	require.NoError(t, err)

	expired := queuedMsg(t, wiremsg.PriorityNormal)
	expired.Timestamp = time.Now().Add(-time.Minute).UnixMilli()
	expired.TTL = 1000
	fresh := queuedMsg(t, wiremsg.PriorityNormal)

	require.NoError(t, q.Enqueue(expired))
	require.NoError(t, q.Enqueue(fresh))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)

	// expired entry was purged from the store too
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestOfflineQueueFullEvictsLowerPriority(t *testing.T) {
	q, err := NewOfflineQueue(newTestDB(t), 2)
	require.NoError(t, err)

	low := queuedMsg(t, wiremsg.PriorityLow)
	normal := queuedMsg(t, wiremsg.PriorityNormal)
	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(normal))

	// critical evicts the low entry
	critical := queuedMsg(t, wiremsg.PriorityCritical)
	require.NoError(t, q.Enqueue(critical))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, m := range pending {
		assert.NotEqual(t, low.ID, m.ID)
	}
}

func TestOfflineQueueFullRejectsWhenNothingOutranked(t *testing.T) {
	q, err := NewOfflineQueue(newTestDB(t), 2)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(queuedMsg(t, wiremsg.PriorityCritical)))
	require.NoError(t, q.Enqueue(queuedMsg(t, wiremsg.PriorityCritical)))

	err = q.Enqueue(queuedMsg(t, wiremsg.PriorityCritical))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestOfflineQueuePurge(t *testing.T) {
	q, err := NewOfflineQueue(newTestDB(t), 10)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(queuedMsg(t, wiremsg.PriorityNormal)))
	require.NoError(t, q.Purge())

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}
