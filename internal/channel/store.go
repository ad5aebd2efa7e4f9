package channel

import (
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

const defaultQueueLimit = 1000

const queueSchema = `
CREATE TABLE IF NOT EXISTS offline_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id      TEXT NOT NULL UNIQUE,
	rank        INTEGER NOT NULL,
	enqueued_at INTEGER NOT NULL,
	body        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_queue_rank ON offline_queue (rank, seq);
`

// OfflineQueue persists messages composed while the channel is
// disconnected, for replay on reconnect. Replay is strictly in enqueue
// order; priority only decides what to evict when the queue is full.
type OfflineQueue struct {
	db    *sqlx.DB
	limit int
}

// queuedMessage is one persisted queue row.
type queuedMessage struct {
	Seq        int64  `db:"seq"`
	MsgID      string `db:"msg_id"`
	Rank       int    `db:"rank"`
	EnqueuedAt int64  `db:"enqueued_at"`
	Body       []byte `db:"body"`
}

// NewOfflineQueue creates the queue table if needed. A limit of 0 uses
// the default of 1000 entries.
func NewOfflineQueue(db *sqlx.DB, limit int) (*OfflineQueue, error) {
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("create offline queue schema: %w", err)
	}
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &OfflineQueue{db: db, limit: limit}, nil
}

// Enqueue stores a message for later replay. When the queue is at its
// limit, the oldest entry of a strictly lower priority is evicted to make
// room; if nothing outranks the new message, ErrQueueFull is returned.
func (q *OfflineQueue) Enqueue(msg *wiremsg.Message) error {
	depth, err := q.Depth()
	if err != nil {
		return err
	}

	rank := msg.Priority.Rank()
	if depth >= q.limit {
		res, err := q.db.Exec(`
			DELETE FROM offline_queue WHERE seq = (
				SELECT seq FROM offline_queue WHERE rank > ? ORDER BY rank DESC, seq ASC LIMIT 1
			)`, rank)
		if err != nil {
			return fmt.Errorf("evict from offline queue: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d messages pending", ErrQueueFull, depth)
		}
	}

	body, err := gojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}

	_, err = q.db.Exec(
		`INSERT OR IGNORE INTO offline_queue (msg_id, rank, enqueued_at, body) VALUES (?, ?, ?, ?)`,
		msg.ID, rank, time.Now().UnixMilli(), body,
	)
	if err != nil {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}
	return nil
}

// Pending returns all queued messages in enqueue order. Messages whose TTL
// elapsed while queued are dropped from the store and not returned.
func (q *OfflineQueue) Pending() ([]*wiremsg.Message, error) {
	var rows []queuedMessage
	if err := q.db.Select(&rows, `SELECT * FROM offline_queue ORDER BY seq ASC`); err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}

	now := time.Now()
	msgs := make([]*wiremsg.Message, 0, len(rows))
	for _, row := range rows {
		var msg wiremsg.Message
		if err := gojson.Unmarshal(row.Body, &msg); err != nil {
			// unreadable row, drop it
			_ = q.Remove(row.MsgID)
			continue
		}
		if msg.Expired(now) {
			_ = q.Remove(row.MsgID)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Remove deletes a replayed message from the store.
func (q *OfflineQueue) Remove(msgID string) error {
	if _, err := q.db.Exec(`DELETE FROM offline_queue WHERE msg_id = ?`, msgID); err != nil {
		return fmt.Errorf("remove queued message %s: %w", msgID, err)
	}
	return nil
}

// Depth returns the number of queued messages.
func (q *OfflineQueue) Depth() (int, error) {
	var n int
	if err := q.db.Get(&n, `SELECT COUNT(*) FROM offline_queue`); err != nil {
		return 0, fmt.Errorf("offline queue depth: %w", err)
	}
	return n, nil
}

// Purge empties the queue.
func (q *OfflineQueue) Purge() error {
	if _, err := q.db.Exec(`DELETE FROM offline_queue`); err != nil {
		return fmt.Errorf("purge offline queue: %w", err)
	}
	return nil
}
