package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one locally persisted event awaiting delivery.
type Record struct {
	ID         int64
	Key        string
	Seq        uint64
	Payload    []byte
	EnqueuedAt time.Time
}

// Backing is the local write-ahead store behind a Queue. Appends are
// fsynced before they return.
type Backing struct {
	db *sql.DB
}

// OpenBacking opens the SQLite file at path and runs pending migrations,
// reporting them through logger.
func OpenBacking(path string, logger hclog.Logger) (*Backing, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the pragmas below in force and serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	goose.SetLogger(logger.Named("migrations").StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Info}))
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Backing{db: db}, nil
}

func (b *Backing) Close() error {
	return b.db.Close()
}

// Append stores payload under key and assigns it the next sequence. The
// sequence is the enqueue time in nanoseconds, bumped past the last
// assigned value so it increases strictly even if the clock does not.
func (b *Backing) Append(ctx context.Context, key string, payload []byte, now time.Time) (Record, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM queue_meta WHERE id = 1`).Scan(&last); err != nil {
		return Record{}, fmt.Errorf("read last sequence: %w", err)
	}
	seq := now.UnixNano()
	if seq <= last {
		seq = last + 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_meta SET last_seq = ? WHERE id = 1`, seq); err != nil {
		return Record{}, fmt.Errorf("store last sequence: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO queue_events (entity, seq, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		key, seq, payload, now.UTC())
	if err != nil {
		return Record{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("insert event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit append: %w", err)
	}
	return Record{ID: id, Key: key, Seq: uint64(seq), Payload: payload, EnqueuedAt: now.UTC()}, nil
}

// Peek returns up to limit of the oldest records in enqueue order.
func (b *Backing) Peek(ctx context.Context, limit int) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, entity, seq, payload, enqueued_at FROM queue_events ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var seq int64
		if err := rows.Scan(&r.ID, &r.Key, &seq, &r.Payload, &r.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backing) Remove(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM queue_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove event %d: %w", id, err)
	}
	return nil
}

func (b *Backing) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
