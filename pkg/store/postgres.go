package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// PostgresStore is a durability tier for deployments that want message
// records in a shared database for audit/reporting. It is NOT a shared
// router: every daemon still keeps its own in-memory name registry and
// subscriptions, and only its own message records land here.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	Host     string `yaml:"host"     env:"AGENTRELAYD_PG_HOST"`
	Port     int    `yaml:"port"     env:"AGENTRELAYD_PG_PORT"`
	User     string `yaml:"user"     env:"AGENTRELAYD_PG_USER"`
	Password string `yaml:"password" env:"AGENTRELAYD_PG_PASSWORD"`
	Database string `yaml:"database" env:"AGENTRELAYD_PG_DATABASE"`
	SSLMode  string `yaml:"ssl_mode" env:"AGENTRELAYD_PG_SSLMODE"`
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens a connection pool and runs migrations.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS relay_messages (
			id TEXT PRIMARY KEY,
			ts BIGINT NOT NULL,
			from_name TEXT NOT NULL DEFAULT '',
			to_name TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			data JSONB NOT NULL DEFAULT '{}',
			thread TEXT NOT NULL DEFAULT '',
			delivery_seq BIGINT NOT NULL DEFAULT 0,
			delivery_session_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unread',
			is_urgent BOOLEAN NOT NULL DEFAULT false,
			is_broadcast BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_messages_to_session ON relay_messages(to_name, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_messages_status ON relay_messages(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

var (
	_ router.Store             = (*PostgresStore)(nil)
	_ router.SessionReplayStore = (*PostgresStore)(nil)
	_ Pruner                    = (*PostgresStore)(nil)
)

func (s *PostgresStore) SaveMessage(ctx context.Context, rec *router.MessageRecord) error {
	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relay_messages (id, ts, from_name, to_name, topic, kind, body, data, thread,
			delivery_seq, delivery_session_id, session_id, status, is_urgent, is_broadcast)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT(id) DO UPDATE SET
			ts=EXCLUDED.ts, from_name=EXCLUDED.from_name, to_name=EXCLUDED.to_name,
			topic=EXCLUDED.topic, kind=EXCLUDED.kind, body=EXCLUDED.body, data=EXCLUDED.data,
			thread=EXCLUDED.thread, delivery_seq=EXCLUDED.delivery_seq,
			delivery_session_id=EXCLUDED.delivery_session_id, session_id=EXCLUDED.session_id,
			status=EXCLUDED.status, is_urgent=EXCLUDED.is_urgent, is_broadcast=EXCLUDED.is_broadcast
	`, rec.ID, rec.TS, rec.From, rec.To, rec.Topic, string(rec.Kind), rec.Body, string(dataJSON), rec.Thread,
		rec.DeliverySeq, rec.DeliverySessionID, rec.SessionID, string(rec.Status), rec.IsUrgent, rec.IsBroadcast)
	return err
}

// PruneMessages deletes acked/failed records older than olderThan.
func (s *PostgresStore) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_messages WHERE status != $1 AND ts <= $2`,
		string(router.StatusUnread), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status router.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, "UPDATE relay_messages SET status = $1 WHERE id = $2", string(status), id)
	return err
}

func (s *PostgresStore) GetPendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*router.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, from_name, to_name, topic, kind, body, data, thread,
			delivery_seq, delivery_session_id, session_id, status, is_urgent, is_broadcast
		FROM relay_messages WHERE to_name = $1 AND session_id = $2 AND status = $3 ORDER BY ts ASC
	`, agentName, sessionID, string(router.StatusUnread))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*router.MessageRecord
	for rows.Next() {
		var rec router.MessageRecord
		var kind, status, dataJSON string
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.From, &rec.To, &rec.Topic, &kind, &rec.Body, &dataJSON, &rec.Thread,
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
		out = append(out, &rec)
	}
	return out, rows.Err()
}
