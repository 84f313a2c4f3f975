package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/model"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so they compare in time
// order. sqlNow produces the same width as timeLayout.
const (
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	sqlNow     = "(strftime('%Y-%m-%dT%H:%M:%f', 'now') || '000000Z')"
)

// LastVersionKey is the app_config key holding the last announced version.
const LastVersionKey = "last_version"

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cities (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			polygon TEXT NOT NULL,
			expires TEXT,
			admins TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id INTEGER PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT NOT NULL DEFAULT '{}',
			beta INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			status_reason TEXT,
			city_id INTEGER NOT NULL,
			city_expires TEXT,
			updated_at TEXT NOT NULL DEFAULT `+sqlNow+`
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_updated ON subscribers(updated_at);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscriber_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			sent_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_subscriber_time ON deliveries(subscriber_id, sent_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT `+sqlNow+`
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT `+sqlNow+`
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// UpsertCity creates or replaces a city.
func (s *Store) UpsertCity(ctx context.Context, c model.City) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	polygon, err := json.Marshal(c.Polygon)
	if err != nil {
		return fmt.Errorf("encode polygon: %w", err)
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return fmt.Errorf("encode admins: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO cities (id, name, polygon, expires, admins) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, polygon = excluded.polygon,
		 	expires = excluded.expires, admins = excluded.admins;`,
		c.ID,
		c.Name,
		string(polygon),
		formatTime(c.Expires),
		string(admins),
	)
	if err != nil {
		return fmt.Errorf("upsert city: %w", err)
	}
	return nil
}

// Cities returns a snapshot of every city.
func (s *Store) Cities(ctx context.Context) (model.Cities, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, polygon, expires, admins FROM cities;`)
	if err != nil {
		return nil, fmt.Errorf("query cities: %w", err)
	}
	defer rows.Close()

	cities := make(model.Cities)
	for rows.Next() {
		var (
			c        model.City
			polygon  string
			expires  sql.NullString
			adminRaw sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &polygon, &expires, &adminRaw); err != nil {
			return nil, fmt.Errorf("scan city: %w", err)
		}
		if err := json.Unmarshal([]byte(polygon), &c.Polygon); err != nil {
			return nil, fmt.Errorf("decode polygon of city %d: %w", c.ID, err)
		}
		if adminRaw.Valid && adminRaw.String != "" {
			if err := json.Unmarshal([]byte(adminRaw.String), &c.Admins); err != nil {
				return nil, fmt.Errorf("decode admins of city %d: %w", c.ID, err)
			}
		}
		c.Expires = parseTime(expires.String)
		cities[c.ID] = &c
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cities: %w", err)
	}

	return cities, nil
}

// UpsertSubscriber creates or replaces a subscriber row and bumps its
// updated_at so the next incremental reconcile picks it up.
func (s *Store) UpsertSubscriber(ctx context.Context, r model.SubscriberRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	status := r.Status
	if status == "" {
		status = model.StatusActive
	}
	cfg := r.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO subscribers (id, enabled, config, beta, status, city_id, city_expires, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET enabled = excluded.enabled, config = excluded.config,
		 	beta = excluded.beta, status = excluded.status, city_id = excluded.city_id,
		 	city_expires = excluded.city_expires, updated_at = excluded.updated_at;`,
		r.ID,
		r.Enabled,
		string(cfg),
		r.Beta,
		status,
		r.CityID,
		formatTime(r.CityExpires),
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// DeleteSubscriber removes a subscriber row.
func (s *Store) DeleteSubscriber(ctx context.Context, id int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return nil
}

const subscriberColumns = `s.id, s.enabled, s.config, s.beta, s.status, s.city_id, s.city_expires, s.updated_at,
	(SELECT COUNT(*) FROM deliveries d WHERE d.subscriber_id = s.id AND d.sent_at > ?)`

// Subscribers returns every subscriber with its delivery count over the
// last hour.
func (s *Store) Subscribers(ctx context.Context) ([]model.SubscriberRecord, error) {
	return s.querySubscribers(ctx, `SELECT `+subscriberColumns+` FROM subscribers s ORDER BY s.id;`)
}

// ChangedSince returns subscribers updated after t. A zero t returns every
// subscriber.
func (s *Store) ChangedSince(ctx context.Context, t time.Time) ([]model.SubscriberRecord, error) {
	if t.IsZero() {
		return s.Subscribers(ctx)
	}
	return s.querySubscribers(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers s WHERE s.updated_at > ? ORDER BY s.id;`,
		formatTime(t))
}

// Subscriber returns one subscriber; ok is false when the id is unknown.
func (s *Store) Subscriber(ctx context.Context, id int64) (model.SubscriberRecord, bool, error) {
	recs, err := s.querySubscribers(ctx, `SELECT `+subscriberColumns+` FROM subscribers s WHERE s.id = ?;`, id)
	if err != nil {
		return model.SubscriberRecord{}, false, err
	}
	if len(recs) == 0 {
		return model.SubscriberRecord{}, false, nil
	}
	return recs[0], true, nil
}

func (s *Store) querySubscribers(ctx context.Context, query string, args ...any) ([]model.SubscriberRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	cutoff := formatTime(s.now().Add(-time.Hour))
	rows, err := s.db.QueryContext(ctx, query, append([]any{cutoff}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var recs []model.SubscriberRecord
	for rows.Next() {
		var (
			r           model.SubscriberRecord
			cfg         string
			cityExpires sql.NullString
			updatedAt   string
		)
		if err := rows.Scan(&r.ID, &r.Enabled, &cfg, &r.Beta, &r.Status, &r.CityID, &cityExpires, &updatedAt, &r.SentLastHour); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		r.Config = []byte(cfg)
		r.CityExpires = parseTime(cityExpires.String)
		r.UpdatedAt = parseTime(updatedAt)
		recs = append(recs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}

	return recs, nil
}

// MarkBlocked flags a subscriber the transport can no longer reach.
func (s *Store) MarkBlocked(ctx context.Context, id int64, reason string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`UPDATE subscribers SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?;`,
		model.StatusBlocked,
		reason,
		formatTime(s.now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark subscriber blocked: %w", err)
	}
	return nil
}

// RecordDelivery logs one successful send.
func (s *Store) RecordDelivery(ctx context.Context, d model.Delivery) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	sentAt := d.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO deliveries (subscriber_id, kind, sent_at) VALUES (?, ?, ?);`,
		d.SubscriberID,
		d.Kind,
		formatTime(sentAt),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// PruneDeliveries deletes deliveries sent before t.
func (s *Store) PruneDeliveries(ctx context.Context, t time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE sent_at < ?;`, formatTime(t))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return n, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	return s.InsertIngestionErrors(ctx, []model.IngestionError{e})
}

// InsertIngestionErrors records several failed payloads in one transaction.
func (s *Store) InsertIngestionErrors(ctx context.Context, entries []model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingestion errors: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ingestion_errors (source, payload, error, created_at) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare ingestion error: %w", err)
	}
	defer stmt.Close()

	created := formatTime(s.now())
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Source, e.Payload, e.Error, created); err != nil {
			return fmt.Errorf("insert ingestion error: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingestion errors: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns the latest ingestion errors, newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT source, payload, error FROM ingestion_errors ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var source, payload sql.NullString
		var e model.IngestionError
		if err := rows.Scan(&source, &payload, &e.Error); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.Source = source.String
		e.Payload = payload.String
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return out, nil
}

// UpsertAppConfig stores a key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	const q = `INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`
	if _, err := s.db.ExecContext(ctx, q, key, value, formatTime(s.now())); err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfigValue returns one app_config value; ok is false when unset.
func (s *Store) AppConfigValue(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query app config: %w", err)
	}
	return value, true, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}
