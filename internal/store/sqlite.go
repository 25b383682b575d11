package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger (
	channel   TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	sender    TEXT    NOT NULL,
	content   TEXT    NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (channel, seq)
);
CREATE INDEX IF NOT EXISTS idx_ledger_channel ON ledger(channel);
`

// SQLiteLog is the default durable log: an append-only ledger table keyed by
// (channel, seq).
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (creating if needed) the ledger database at dbPath.
func NewSQLiteLog(dbPath string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, msg Message) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger (channel, seq, sender, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.Channel, msg.Seq, msg.Sender, msg.Content, msg.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Range(ctx context.Context, channel string, since uint64, limit int) ([]Message, error) {
	// A limit keeps the most recent messages of the range, matching the
	// catch-up policy of the in-memory ring.
	query := `SELECT seq, sender, content, timestamp FROM ledger WHERE channel = ? AND seq > ? ORDER BY seq`
	args := []any{channel, since}
	if limit > 0 {
		query = `SELECT seq, sender, content, timestamp FROM (
			SELECT seq, sender, content, timestamp FROM ledger
			WHERE channel = ? AND seq > ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows, channel)
}

func (l *SQLiteLog) Tail(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		return l.Range(ctx, channel, 0, 0)
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, sender, content, timestamp FROM (
			SELECT seq, sender, content, timestamp FROM ledger
			WHERE channel = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`,
		channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger tail: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows, channel)
}

func (l *SQLiteLog) LastSeq(ctx context.Context, channel string) (uint64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM ledger WHERE channel = ?`, channel).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query ledger max seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func scanMessages(rows *sql.Rows, channel string) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var msg Message
		var stamp int64
		if err := rows.Scan(&msg.Seq, &msg.Sender, &msg.Content, &stamp); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		msg.Channel = channel
		msg.Timestamp = time.Unix(0, stamp).UTC()
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
