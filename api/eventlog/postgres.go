// Package eventlog keeps a queryable copy of history events in Postgres.
// It is fed by the history queue's side channel, so it may miss events
// and must not be treated as the record of truth.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"skald/api/history"
	"skald/api/model"
)

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Healthy(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS deployment_group_events (
			topic        TEXT NOT NULL,
			entity       TEXT NOT NULL,
			seq          BIGINT NOT NULL,
			rollout_id   TEXT NOT NULL DEFAULT '',
			type         TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL DEFAULT '',
			version      BIGINT NOT NULL DEFAULT 0,
			payload      JSONB NOT NULL,
			occurred_at  TIMESTAMPTZ,
			recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (topic, entity, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_deployment_group_events_entity
			ON deployment_group_events(entity, seq);
	`)
	return err
}

// Publish implements history.Publisher. Redelivered events are ignored.
func (db *DB) Publish(ctx context.Context, msg history.Message) error {
	var e model.DeploymentGroupEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return fmt.Errorf("decode event %s/%d: %w", msg.Key, msg.Sequence, err)
	}
	var occurred *time.Time
	if !e.Timestamp.IsZero() {
		occurred = &e.Timestamp
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO deployment_group_events (topic, entity, seq, rollout_id, type, state, version, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (topic, entity, seq) DO NOTHING`,
		msg.Topic, msg.Key, int64(msg.Sequence), e.RolloutID, string(e.Type), string(e.State), e.Version, msg.Payload, occurred,
	)
	if err != nil {
		return fmt.Errorf("insert event %s/%d: %w", msg.Key, msg.Sequence, err)
	}
	return nil
}

// Entry is one stored event.
type Entry struct {
	Sequence uint64                     `json:"sequence"`
	Event    model.DeploymentGroupEvent `json:"event"`
}

// List returns the newest events, optionally for one group, oldest first.
func (db *DB) List(ctx context.Context, group string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT seq, payload FROM (
			SELECT seq, payload FROM deployment_group_events
			WHERE topic = $1 AND ($2 = '' OR entity = $2)
			ORDER BY seq DESC LIMIT $3
		 ) recent ORDER BY seq`,
		history.DeploymentGroupTopic, group, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var e model.DeploymentGroupEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, Entry{Sequence: uint64(seq), Event: e})
	}
	return out, rows.Err()
}

var _ history.Publisher = (*DB)(nil)
