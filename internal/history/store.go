package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fleetwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS node_samples (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    ts            TEXT NOT NULL,
    node_key      TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT '',
    clients_count INTEGER NOT NULL DEFAULT 0,
    uplink        INTEGER,
    downlink      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_node_samples_node_ts ON node_samples(node_key, ts);
CREATE INDEX IF NOT EXISTS idx_node_samples_ts ON node_samples(ts);
`

// DefaultRetention is how long samples are kept when none is configured.
const DefaultRetention = 7 * 24 * time.Hour

const pruneEvery = 10 * time.Minute

// Store appends one sample per node per poll cycle.
type Store struct {
	db        *sql.DB
	retention time.Duration

	mu        sync.Mutex
	lastPrune time.Time
}

// Open opens (or creates) the history database at dbPath.
func Open(dbPath string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, retention: retention}, nil
}

// HandleSnapshot records the cycle and prunes expired rows from time to time.
func (s *Store) HandleSnapshot(ctx context.Context, at time.Time, nodes []model.NodeSnapshot) error {
	if err := s.Append(ctx, at, nodes); err != nil {
		return err
	}

	s.mu.Lock()
	due := at.Sub(s.lastPrune) >= pruneEvery
	if due {
		s.lastPrune = at
	}
	s.mu.Unlock()
	if !due {
		return nil
	}
	if _, err := s.Prune(ctx, at.Add(-s.retention)); err != nil {
		return err
	}
	return nil
}

// Append inserts one row per node that has a stable key.
func (s *Store) Append(ctx context.Context, at time.Time, nodes []model.NodeSnapshot) error {
	if len(nodes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_samples (ts, node_key, name, status, clients_count, uplink, downlink)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	ts := formatTS(at)
	for _, node := range nodes {
		key := node.Key()
		if key == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			ts, key, node.Name, string(node.Status), node.ClientsCount,
			nullInt(node.Uplink), nullInt(node.Downlink),
		); err != nil {
			return fmt.Errorf("insert sample for %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit samples, newest first. An empty nodeKey returns
// samples of every node.
func (s *Store) Recent(ctx context.Context, nodeKey string, limit int) ([]model.HistorySample, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ts, node_key, name, status, clients_count, uplink, downlink
		FROM node_samples`
	args := []any{}
	if nodeKey != "" {
		query += ` WHERE node_key = ?`
		args = append(args, nodeKey)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	samples := make([]model.HistorySample, 0)
	for rows.Next() {
		var (
			sample   model.HistorySample
			ts       string
			status   string
			uplink   sql.NullInt64
			downlink sql.NullInt64
		)
		if err := rows.Scan(&ts, &sample.NodeKey, &sample.Name, &status, &sample.ClientsCount, &uplink, &downlink); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			sample.At = t
		}
		sample.Status = model.NodeStatus(status)
		if uplink.Valid {
			v := uplink.Int64
			sample.Uplink = &v
		}
		if downlink.Valid {
			v := downlink.Int64
			sample.Downlink = &v
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// Prune deletes samples older than cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM node_samples WHERE ts < ?`, formatTS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
