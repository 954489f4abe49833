package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// SQLiteStore is a durable, single-writer router.Store backed by
// modernc.org/sqlite. It's the default persistence backend for a
// standalone daemon: one file, WAL mode, no external dependency.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// runs pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, WAL mode

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			from_name TEXT NOT NULL DEFAULT '',
			to_name TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			thread TEXT NOT NULL DEFAULT '',
			delivery_seq INTEGER NOT NULL DEFAULT 0,
			delivery_session_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unread',
			is_urgent INTEGER NOT NULL DEFAULT 0,
			is_broadcast INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_session ON messages(to_name, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var (
	_ router.Store             = (*SQLiteStore)(nil)
	_ router.SessionReplayStore = (*SQLiteStore)(nil)
	_ Pruner                    = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) SaveMessage(ctx context.Context, rec *router.MessageRecord) error {
	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, ts, from_name, to_name, topic, kind, body, data, thread,
			delivery_seq, delivery_session_id, session_id, status, is_urgent, is_broadcast)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ts=excluded.ts, from_name=excluded.from_name, to_name=excluded.to_name,
			topic=excluded.topic, kind=excluded.kind, body=excluded.body, data=excluded.data,
			thread=excluded.thread, delivery_seq=excluded.delivery_seq,
			delivery_session_id=excluded.delivery_session_id, session_id=excluded.session_id,
			status=excluded.status, is_urgent=excluded.is_urgent, is_broadcast=excluded.is_broadcast
	`, rec.ID, rec.TS, rec.From, rec.To, rec.Topic, string(rec.Kind), rec.Body, string(dataJSON), rec.Thread,
		rec.DeliverySeq, rec.DeliverySessionID, rec.SessionID, string(rec.Status), rec.IsUrgent, rec.IsBroadcast)
	return err
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status router.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, "UPDATE messages SET status = ? WHERE id = ?", string(status), id)
	return err
}

func (s *SQLiteStore) GetPendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*router.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, from_name, to_name, topic, kind, body, data, thread,
			delivery_seq, delivery_session_id, session_id, status, is_urgent, is_broadcast
		FROM messages WHERE to_name = ? AND session_id = ? AND status = ? ORDER BY ts ASC
	`, agentName, sessionID, string(router.StatusUnread))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*router.MessageRecord
	for rows.Next() {
		rec, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneMessages deletes acked/failed records older than olderThan.
func (s *SQLiteStore) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status != ? AND ts <= ?`,
		string(router.StatusUnread), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*router.MessageRecord, error) {
	var rec router.MessageRecord
	var kind, status, dataJSON string
	if err := row.Scan(&rec.ID, &rec.TS, &rec.From, &rec.To, &rec.Topic, &kind, &rec.Body, &dataJSON, &rec.Thread,
		&rec.DeliverySeq, &rec.DeliverySessionID, &rec.SessionID, &status, &rec.IsUrgent, &rec.IsBroadcast); err != nil {
		return nil, err
	}
	rec.Kind = envelope.PayloadKind(kind)
	rec.Status = router.MessageStatus(status)
	rec.Data = map[string]any{}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &rec.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return &rec, nil
}
