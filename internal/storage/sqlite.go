package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/geo"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS visits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_addr TEXT    NOT NULL,
	user_agent  TEXT    NOT NULL DEFAULT '',
	ts          INTEGER NOT NULL,
	city        TEXT    NOT NULL DEFAULT '',
	region      TEXT    NOT NULL DEFAULT '',
	country     TEXT    NOT NULL DEFAULT '',
	org         TEXT    NOT NULL DEFAULT '',
	conn_id     TEXT    NOT NULL DEFAULT '',
	kind        TEXT    NOT NULL DEFAULT '',
	path        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS visits_ts ON visits(ts);

CREATE TABLE IF NOT EXISTS policies (
	address    TEXT PRIMARY KEY,
	status     TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Applied once per open. WAL keeps admin reads from blocking flushes.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	db *sqlx.DB
}

// visitRow is the flat column mapping of Visit.
type visitRow struct {
	ID         int64  `db:"id"`
	RemoteAddr string `db:"remote_addr"`
	UserAgent  string `db:"user_agent"`
	TS         int64  `db:"ts"`
	City       string `db:"city"`
	Region     string `db:"region"`
	Country    string `db:"country"`
	Org        string `db:"org"`
	ConnID     string `db:"conn_id"`
	Kind       string `db:"kind"`
	Path       string `db:"path"`
}

type policyRow struct {
	Address   string `db:"address"`
	Status    string `db:"status"`
	UpdatedAt int64  `db:"updated_at"`
}

// OpenSQLite opens (creating if needed) the database at dsn and applies
// the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite serializes writers anyway, and a single connection keeps
	// ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	for _, p := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, visits []Visit) error {
	if len(visits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning visit batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO visits (remote_addr, user_agent, ts, city, region, country, org, conn_id, kind, path)
		VALUES (:remote_addr, :user_agent, :ts, :city, :region, :country, :org, :conn_id, :kind, :path)`)
	if err != nil {
		return fmt.Errorf("preparing visit insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range visits {
		if _, err := stmt.ExecContext(ctx, toVisitRow(v)); err != nil {
			return fmt.Errorf("inserting visit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing visit batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentVisits(ctx context.Context, limit int) ([]Visit, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []visitRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, remote_addr, user_agent, ts, city, region, country, org, conn_id, kind, path
		FROM visits ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent visits: %w", err)
	}
	out := make([]Visit, len(rows))
	for i, r := range rows {
		out[i] = r.visit()
	}
	return out, nil
}

func (s *SQLiteStore) PurgeVisits(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM visits WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging visits: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SetPolicy(ctx context.Context, e PolicyEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO policies (address, status, updated_at) VALUES (:address, :status, :updated_at)
		ON CONFLICT(address) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		policyRow{Address: e.Address, Status: string(e.Status), UpdatedAt: e.UpdatedAt.UnixNano()})
	if err != nil {
		return fmt.Errorf("saving policy for %s: %w", e.Address, err)
	}
	return nil
}

func (s *SQLiteStore) DeletePolicy(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("deleting policy for %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Policies(ctx context.Context, status PolicyStatus) ([]PolicyEntry, error) {
	var (
		rows []policyRow
		err  error
	)
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT address, status, updated_at FROM policies ORDER BY address`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT address, status, updated_at FROM policies WHERE status = ? ORDER BY address`, string(status))
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	out := make([]PolicyEntry, len(rows))
	for i, r := range rows {
		out[i] = PolicyEntry{
			Address:   r.Address,
			Status:    PolicyStatus(r.Status),
			UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
		}
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toVisitRow(v Visit) visitRow {
	return visitRow{
		RemoteAddr: v.RemoteAddr,
		UserAgent:  v.UserAgent,
		TS:         v.Timestamp.UnixNano(),
		City:       v.Location.City,
		Region:     v.Location.Region,
		Country:    v.Location.Country,
		Org:        v.Location.Org,
		ConnID:     v.ConnID,
		Kind:       v.Kind,
		Path:       v.Path,
	}
}

func (r visitRow) visit() Visit {
	return Visit{
		ID:         r.ID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent,
		Timestamp:  time.Unix(0, r.TS).UTC(),
		Location: geo.Location{
			City:    r.City,
			Region:  r.Region,
			Country: r.Country,
			Org:     r.Org,
		},
		ConnID: r.ConnID,
		Kind:   r.Kind,
		Path:   r.Path,
	}
}
