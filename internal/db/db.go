// Package db handles database connectivity, migrations, and data access for
// a dfs3 node. It supports both SQLite (default, no external dependencies)
// and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods
// for the node registry, user registry, event index, KV store and audit log.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "dfs3.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode allows multiple concurrent readers alongside the one writer
		// that ingests the event stream. busy_timeout makes the inherent
		// single-writer serialization graceful (retry up to 5s) rather than
		// immediately returning SQLITE_BUSY to a concurrent HTTP handler.
		//
		// For deployments ingesting from many peers at once, switch to
		// PostgreSQL (already supported via DATABASE_URL=postgres://...) —
		// SQLite's single-writer architecture is a hard ceiling no tuning
		// can fully remove.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000", // ms; retries writes instead of SQLITE_BUSY
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL", // safe with WAL; faster than FULL
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}

		slog.Info("sqlite database opened",
			"max_conns", sqliteMaxConns,
			"note", "switch to PostgreSQL for high-traffic deployments",
		)
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	if s.driver == "sqlite" {
		return s.migrateSQLite()
	}
	return s.migratePostgres()
}

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here; driver-specific error handling is
// applied by migrateSQLite / migratePostgres.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id         TEXT NOT NULL PRIMARY KEY,
		alias           TEXT NOT NULL DEFAULT '',
		hostname        TEXT NOT NULL DEFAULT '',
		public_key      TEXT NOT NULL,
		platform        TEXT NOT NULL DEFAULT '',
		software_version TEXT NOT NULL DEFAULT '',
		ip              TEXT NOT NULL DEFAULT '',
		port            INTEGER NOT NULL DEFAULT 0,
		total_space     INTEGER NOT NULL DEFAULT 0,
		uptime_seconds  INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'online',
		tags            TEXT NOT NULL DEFAULT '',
		registered_at   TEXT NOT NULL,
		last_status_at  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id        TEXT NOT NULL PRIMARY KEY,
		username       TEXT NOT NULL DEFAULT '',
		public_key     TEXT NOT NULL,
		home_node_id   TEXT NOT NULL DEFAULT '',
		registered_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_nodes (
		user_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		joined_at TEXT NOT NULL,
		UNIQUE(user_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS user_nodes_user ON user_nodes(user_id)`,
	`CREATE INDEX IF NOT EXISTS user_nodes_node ON user_nodes(node_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		block_id   TEXT NOT NULL PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		node_id    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_node_id ON events(node_id)`,
	`CREATE INDEX IF NOT EXISTS events_type ON events(event_type)`,
	`CREATE TABLE IF NOT EXISTS file_entries (
		user_id   TEXT NOT NULL,
		filename  TEXT NOT NULL,
		file_id   TEXT NOT NULL,
		UNIQUE(user_id, filename)
	)`,
	`CREATE INDEX IF NOT EXISTS file_entries_file_id ON file_entries(file_id)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// Append-only audit log. ts is a fixed-width UTC RFC3339 timestamp with
	// nine fractional digits, so lexicographic ordering lets both SQLite and
	// PostgreSQL sort by ts DESC.
	`CREATE TABLE IF NOT EXISTS audit_log (
		ts     TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_ts ON audit_log(ts)`,
}

func (s *Store) migrateSQLite() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

func (s *Store) migratePostgres() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports which SQL driver backs this store ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.driver
}

// ─── Nodes ──────────────────────────────────────────────────────────────────

// NodeRow is the persisted representation of a node registry entry.
type NodeRow struct {
	NodeID          string
	Alias           string
	Hostname        string
	PublicKey       string
	Platform        string
	SoftwareVersion string
	IP              string
	Port            int
	TotalSpace      int64
	UptimeSeconds   int64
	Status          string
	Tags            string
	RegisteredAt    string
	LastStatusAt    string
}

// UpsertNode inserts a node or overwrites every non-key field on conflict, matching
// the event-sourced "latest write wins per node_id" semantics of
// node_registered.
func (s *Store) UpsertNode(n NodeRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO nodes (node_id, alias, hostname, public_key, platform, software_version, ip, port, total_space, uptime_seconds, status, tags, registered_at, last_status_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(node_id) DO UPDATE SET
				alias=excluded.alias, hostname=excluded.hostname, public_key=excluded.public_key,
				platform=excluded.platform, software_version=excluded.software_version,
				ip=excluded.ip, port=excluded.port, total_space=excluded.total_space,
				uptime_seconds=excluded.uptime_seconds, status=excluded.status, tags=excluded.tags,
				registered_at=excluded.registered_at, last_status_at=excluded.last_status_at`
	} else {
		q = `INSERT INTO nodes (node_id, alias, hostname, public_key, platform, software_version, ip, port, total_space, uptime_seconds, status, tags, registered_at, last_status_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT(node_id) DO UPDATE SET
				alias=EXCLUDED.alias, hostname=EXCLUDED.hostname, public_key=EXCLUDED.public_key,
				platform=EXCLUDED.platform, software_version=EXCLUDED.software_version,
				ip=EXCLUDED.ip, port=EXCLUDED.port, total_space=EXCLUDED.total_space,
				uptime_seconds=EXCLUDED.uptime_seconds, status=EXCLUDED.status, tags=EXCLUDED.tags,
				registered_at=EXCLUDED.registered_at, last_status_at=EXCLUDED.last_status_at`
	}
	_, err := s.db.Exec(q, n.NodeID, n.Alias, n.Hostname, n.PublicKey, n.Platform, n.SoftwareVersion,
		n.IP, n.Port, n.TotalSpace, n.UptimeSeconds, n.Status, n.Tags, n.RegisteredAt, n.LastStatusAt)
	return err
}

// UpdateNodeStatus applies a node_status event: ip/port/uptime/total_space
// and the status timestamp, without touching identity fields.
func (s *Store) UpdateNodeStatus(nodeID, ip string, port int, uptime, totalSpace int64, at string) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE nodes SET ip=?, port=?, uptime_seconds=?, total_space=?, last_status_at=? WHERE node_id=?`
	} else {
		q = `UPDATE nodes SET ip=$1, port=$2, uptime_seconds=$3, total_space=$4, last_status_at=$5 WHERE node_id=$6`
	}
	_, err := s.db.Exec(q, ip, port, uptime, totalSpace, at, nodeID)
	return err
}

// GetNode returns a single node by ID.
func (s *Store) GetNode(nodeID string) (NodeRow, bool) {
	var n NodeRow
	err := s.db.QueryRow(`SELECT node_id, alias, hostname, public_key, platform, software_version, ip, port, total_space, uptime_seconds, status, tags, registered_at, last_status_at FROM nodes WHERE node_id = `+s.ph(1), nodeID).
		Scan(&n.NodeID, &n.Alias, &n.Hostname, &n.PublicKey, &n.Platform, &n.SoftwareVersion, &n.IP, &n.Port, &n.TotalSpace, &n.UptimeSeconds, &n.Status, &n.Tags, &n.RegisteredAt, &n.LastStatusAt)
	if err != nil {
		return NodeRow{}, false
	}
	return n, true
}

// ListNodes returns every known node.
func (s *Store) ListNodes() ([]NodeRow, error) {
	rows, err := s.db.Query(`SELECT node_id, alias, hostname, public_key, platform, software_version, ip, port, total_space, uptime_seconds, status, tags, registered_at, last_status_at FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		if err := rows.Scan(&n.NodeID, &n.Alias, &n.Hostname, &n.PublicKey, &n.Platform, &n.SoftwareVersion, &n.IP, &n.Port, &n.TotalSpace, &n.UptimeSeconds, &n.Status, &n.Tags, &n.RegisteredAt, &n.LastStatusAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ─── Users ──────────────────────────────────────────────────────────────────

// UserRow is the persisted representation of a user registry entry.
type UserRow struct {
	UserID       string
	Username     string
	PublicKey    string
	HomeNodeID   string
	RegisteredAt string
}

// InsertUser records a newly registered user. user_registered events are
// create-only; a conflicting user_id is ignored (the first registration wins).
func (s *Store) InsertUser(u UserRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO users (user_id, username, public_key, home_node_id, registered_at) VALUES (?,?,?,?,?)`
	} else {
		q = `INSERT INTO users (user_id, username, public_key, home_node_id, registered_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, u.UserID, u.Username, u.PublicKey, u.HomeNodeID, u.RegisteredAt)
	return err
}

// GetUser returns a single user by ID.
func (s *Store) GetUser(userID string) (UserRow, bool) {
	var u UserRow
	err := s.db.QueryRow(`SELECT user_id, username, public_key, home_node_id, registered_at FROM users WHERE user_id = `+s.ph(1), userID).
		Scan(&u.UserID, &u.Username, &u.PublicKey, &u.HomeNodeID, &u.RegisteredAt)
	if err != nil {
		return UserRow{}, false
	}
	return u, true
}

// ListUsers returns every registered user.
func (s *Store) ListUsers() ([]UserRow, error) {
	rows, err := s.db.Query(`SELECT user_id, username, public_key, home_node_id, registered_at FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserRow
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.UserID, &u.Username, &u.PublicKey, &u.HomeNodeID, &u.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AddUserNode records that a user has joined an additional node
// (user_joined_node event). Idempotent.
func (s *Store) AddUserNode(userID, nodeID, joinedAt string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO user_nodes (user_id, node_id, joined_at) VALUES (?,?,?)`
	} else {
		q = `INSERT INTO user_nodes (user_id, node_id, joined_at) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, userID, nodeID, joinedAt)
	return err
}

// GetUserNodes returns every node_id a user has joined.
func (s *Store) GetUserNodes(userID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT node_id FROM user_nodes WHERE user_id = `+s.ph(1), userID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ─── File entries (hard-link-fallback indirection) ─────────────────────────

// PutFileEntry records (or overwrites) a (user_id, filename) -> file_id
// mapping. Used only on filesystems where os.Link is unavailable; see
// internal/metadata.Entries.
func (s *Store) PutFileEntry(userID, filename, fileID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO file_entries (user_id, filename, file_id) VALUES (?,?,?)
			ON CONFLICT(user_id, filename) DO UPDATE SET file_id=excluded.file_id`
	} else {
		q = `INSERT INTO file_entries (user_id, filename, file_id) VALUES ($1,$2,$3)
			ON CONFLICT(user_id, filename) DO UPDATE SET file_id=EXCLUDED.file_id`
	}
	_, err := s.db.Exec(q, userID, filename, fileID)
	return err
}

// DeleteFileEntry removes a (user_id, filename) entry.
func (s *Store) DeleteFileEntry(userID, filename string) error {
	var q string
	if s.driver == "sqlite" {
		q = `DELETE FROM file_entries WHERE user_id=? AND filename=?`
	} else {
		q = `DELETE FROM file_entries WHERE user_id=$1 AND filename=$2`
	}
	_, err := s.db.Exec(q, userID, filename)
	return err
}

// GetFileEntry resolves a (user_id, filename) to a file_id.
func (s *Store) GetFileEntry(userID, filename string) (string, bool) {
	var fileID string
	var q string
	if s.driver == "sqlite" {
		q = `SELECT file_id FROM file_entries WHERE user_id=? AND filename=?`
	} else {
		q = `SELECT file_id FROM file_entries WHERE user_id=$1 AND filename=$2`
	}
	if err := s.db.QueryRow(q, userID, filename).Scan(&fileID); err != nil {
		return "", false
	}
	return fileID, true
}

// ListFileEntries returns every (filename, file_id) pair for a user.
func (s *Store) ListFileEntries(userID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT filename, file_id FROM file_entries WHERE user_id = `+s.ph(1), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var fn, fid string
		if err := rows.Scan(&fn, &fid); err != nil {
			return nil, err
		}
		out[fn] = fid
	}
	return out, rows.Err()
}

// CountFileEntriesForFileID returns how many (user, filename) entries still
// point at file_id, across all users, in the entry-table fallback.
func (s *Store) CountFileEntriesForFileID(fileID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM file_entries WHERE file_id = `+s.ph(1), fileID).Scan(&n)
	return n, err
}

// ─── Event index ────────────────────────────────────────────────────────────

// HasEvent reports whether block_id has already been ingested, the
// exactly-once gate for the dispatcher.
func (s *Store) HasEvent(blockID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE block_id = `+s.ph(1), blockID).Scan(&n)
	return n > 0, err
}

// InsertEvent records an ingested event in the index. Returns
// sql.ErrNoRows-free success even if the row already existed, because the
// caller is expected to have checked HasEvent first; the insert itself still
// uses INSERT OR IGNORE / ON CONFLICT DO NOTHING as a second line of defense
// against a race between the check and the insert.
func (s *Store) InsertEvent(blockID, eventType string, timestamp int64, nodeID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO events (block_id, event_type, timestamp, node_id) VALUES (?,?,?,?)`
	} else {
		q = `INSERT INTO events (block_id, event_type, timestamp, node_id) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, blockID, eventType, timestamp, nodeID)
	return err
}

// EventRow is one record of the exactly-once event index.
type EventRow struct {
	BlockID   string `json:"block_id"`
	EventType string `json:"event_type"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

// GetEvent returns a single indexed event by block_id.
func (s *Store) GetEvent(blockID string) (EventRow, bool) {
	var e EventRow
	err := s.db.QueryRow(`SELECT block_id, event_type, timestamp, node_id FROM events WHERE block_id = `+s.ph(1), blockID).
		Scan(&e.BlockID, &e.EventType, &e.Timestamp, &e.NodeID)
	if err != nil {
		return EventRow{}, false
	}
	return e, true
}

// ListEvents returns up to limit indexed events, newest first.
func (s *Store) ListEvents(limit int) ([]EventRow, error) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT block_id, event_type, timestamp, node_id FROM events ORDER BY timestamp DESC LIMIT ?`
	} else {
		q = `SELECT block_id, event_type, timestamp, node_id FROM events ORDER BY timestamp DESC LIMIT $1`
	}
	rows, err := s.db.Query(q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.BlockID, &e.EventType, &e.Timestamp, &e.NodeID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Key-Value store ──────────────────────────────────────────────────────

// SetKV upserts a key-value pair. Used for persistent state like the bus
// listener's durable resume cursor.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// ─── Audit log ──────────────────────────────────────────────────────────────

// AuditLogEntry is one record in the operational audit log.
type AuditLogEntry struct {
	Timestamp string `json:"ts"`
	Action    string `json:"action"`
	Detail    string `json:"detail"`
}

// WriteAuditLog appends a new entry to the audit log. Best-effort: callers
// should log but not propagate a failure from this call.
func (s *Store) WriteAuditLog(action, detail string) error {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO audit_log (ts, action, detail) VALUES (?, ?, ?)`
	} else {
		q = `INSERT INTO audit_log (ts, action, detail) VALUES ($1, $2, $3)`
	}
	_, err := s.db.Exec(q, ts, action, detail)
	return err
}

// GetAuditLog returns up to limit entries from the audit log, newest first.
func (s *Store) GetAuditLog(limit int) ([]AuditLogEntry, error) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT ts, action, detail FROM audit_log ORDER BY ts DESC LIMIT ?`
	} else {
		q = `SELECT ts, action, detail FROM audit_log ORDER BY ts DESC LIMIT $1`
	}
	rows, err := s.db.Query(q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// StoreStats holds aggregate node-level counts for /api/v1/stats.
type StoreStats struct {
	NodeCount  int
	UserCount  int
	EventCount int
}

// Stats returns aggregate counts across the registry tables.
func (s *Store) Stats() (StoreStats, error) {
	var st StoreStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&st.NodeCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&st.UserCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&st.EventCount); err != nil {
		return st, err
	}
	return st, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// ph returns the SQL placeholder token for the nth argument of a query.
// SQLite uses ? regardless of position; PostgreSQL uses $1, $2, ...
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
