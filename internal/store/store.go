// Package store provides the WAL-mode SQLite persistence layer of the
// daemon: per-package policies, master settings, the structured event log,
// and cumulative background resource statistics.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the IPC query
// paths can read while the state machine writes. SQLite still allows only
// one writer, so the connection pool is limited to a single connection and
// every call serialises through it rather than surfacing "database is
// locked" errors.
//
// # Robustness
//
// Schema creation is idempotent. A policy row with an unknown value is
// skipped with a warning; an event row with malformed payload JSON is
// returned with a nil payload. Neither fails the calling query: a corrupt
// row must not take the daemon down.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/cerberus/daemon/internal/app"
)

// Store wraps the SQLite database. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// ddl is the schema, versioned per table so future migrations can create a
// _vN+1 table and migrate rows without guessing the layout they start from.
const ddl = `
CREATE TABLE IF NOT EXISTS app_policies_v3 (
    package_name TEXT    NOT NULL,
    user_id      INTEGER NOT NULL,
    policy       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (package_name, user_id)
);
CREATE TABLE IF NOT EXISTS master_config_v2 (
    key   TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS event_log_v1 (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ts         TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log_v1 (ts);
CREATE TABLE IF NOT EXISTS resource_stats_v1 (
    package_name           TEXT PRIMARY KEY,
    background_cpu_seconds REAL    NOT NULL DEFAULT 0,
    frozen_sessions        INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (or creates) the database at path, enables WAL mode, and
// applies the schema. ":memory:" is accepted for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// One writer at a time; a single pooled connection serialises callers
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Policies
// ---------------------------------------------------------------------------

// PolicyRecord is one row of app_policies_v3.
type PolicyRecord struct {
	Package string
	UserID  int
	Policy  app.Policy
}

// SetPolicy upserts the stored policy for (pkg, userID).
func (s *Store) SetPolicy(ctx context.Context, pkg string, userID int, p app.Policy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_policies_v3 (package_name, user_id, policy)
		 VALUES (?, ?, ?)
		 ON CONFLICT(package_name, user_id) DO UPDATE SET policy = excluded.policy`,
		pkg, userID, int(p))
	if err != nil {
		return fmt.Errorf("store: set policy for %s/%d: %w", pkg, userID, err)
	}
	return nil
}

// Policy returns the stored policy for (pkg, userID). The second return
// value reports whether a row exists.
func (s *Store) Policy(ctx context.Context, pkg string, userID int) (app.Policy, bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT policy FROM app_policies_v3 WHERE package_name = ? AND user_id = ?`,
		pkg, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get policy for %s/%d: %w", pkg, userID, err)
	}
	p := app.Policy(v)
	if !p.Valid() {
		s.logger.Warn("store: skipping row with unknown policy value",
			slog.String("package", pkg), slog.Int("policy", v))
		return 0, false, nil
	}
	return p, true, nil
}

// AllPolicies returns every stored policy row. Rows with out-of-range policy
// values are skipped with a warning.
func (s *Store) AllPolicies(ctx context.Context) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT package_name, user_id, policy FROM app_policies_v3 ORDER BY package_name, user_id`)
	if err != nil {
		return nil, fmt.Errorf("store: all policies: %w", err)
	}
	defer rows.Close()

	var recs []PolicyRecord
	for rows.Next() {
		var (
			rec PolicyRecord
			v   int
		)
		if err := rows.Scan(&rec.Package, &rec.UserID, &v); err != nil {
			return nil, fmt.Errorf("store: scan policy row: %w", err)
		}
		rec.Policy = app.Policy(v)
		if !rec.Policy.Valid() {
			s.logger.Warn("store: skipping row with unknown policy value",
				slog.String("package", rec.Package), slog.Int("policy", v))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ClearPolicies removes every stored policy row.
func (s *Store) ClearPolicies(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_policies_v3`); err != nil {
		return fmt.Errorf("store: clear policies: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Master config
// ---------------------------------------------------------------------------

// MasterConfig holds the device-wide tunables mutated by cmd.set_settings.
type MasterConfig struct {
	// TimedUnfreezeEnabled turns the periodic thaw of frozen instances on.
	TimedUnfreezeEnabled bool
	// TimedUnfreezeIntervalSec is the thaw cadence in seconds.
	TimedUnfreezeIntervalSec int
}

// DefaultMasterConfig returns the values used before any cmd.set_settings.
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		TimedUnfreezeEnabled:     true,
		TimedUnfreezeIntervalSec: 1800,
	}
}

// MasterConfig reads the stored settings, substituting defaults for any
// missing key.
func (s *Store) MasterConfig(ctx context.Context) (MasterConfig, error) {
	cfg := DefaultMasterConfig()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM master_config_v2`)
	if err != nil {
		return cfg, fmt.Errorf("store: master config: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			v   int
		)
		if err := rows.Scan(&key, &v); err != nil {
			return cfg, fmt.Errorf("store: scan master config row: %w", err)
		}
		switch key {
		case "is_timed_unfreeze_enabled":
			cfg.TimedUnfreezeEnabled = v != 0
		case "timed_unfreeze_interval_sec":
			cfg.TimedUnfreezeIntervalSec = v
		default:
			s.logger.Warn("store: unknown master config key", slog.String("key", key))
		}
	}
	return cfg, rows.Err()
}

// SetMasterConfig persists cfg in a single transaction.
func (s *Store) SetMasterConfig(ctx context.Context, cfg MasterConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin set master config: %w", err)
	}
	defer tx.Rollback()

	enabled := 0
	if cfg.TimedUnfreezeEnabled {
		enabled = 1
	}
	kv := map[string]int{
		"is_timed_unfreeze_enabled":   enabled,
		"timed_unfreeze_interval_sec": cfg.TimedUnfreezeIntervalSec,
	}
	for key, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO master_config_v2 (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, v); err != nil {
			return fmt.Errorf("store: set master config %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit master config: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event log
// ---------------------------------------------------------------------------

// Event types recorded in event_log_v1.
const (
	EventDaemonStart    = "daemon_start"
	EventDaemonShutdown = "daemon_shutdown"
	EventAppForeground  = "app_foreground"
	EventAppFrozen      = "app_frozen"
	EventAppUnfrozen    = "app_unfrozen"
	EventAppStopped     = "app_stopped"
	EventScreenOn       = "screen_on"
	EventScreenOff      = "screen_off"
	EventDozeChange     = "doze_state_change"
	EventDozeReport     = "doze_resource_report"
	EventPowerUpdate    = "power_update"
	EventPowerWarning   = "power_warning"
	EventPolicyChange   = "policy_change"
	EventError          = "error"
)

// EventRecord is one row of the event log.
type EventRecord struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Payload   map[string]any
}

// LogEvent appends a structured event. Marshal failures are reported but a
// nil payload is always accepted.
func (s *Store) LogEvent(ctx context.Context, eventType string, payload map[string]any) error {
	data := []byte("{}")
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("store: marshal event payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log_v1 (ts, event_type, payload) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), eventType, string(data))
	if err != nil {
		return fmt.Errorf("store: log event %q: %w", eventType, err)
	}
	return nil
}

// Events returns up to limit events, newest first, skipping offset rows.
// A malformed payload yields a nil map rather than an error.
func (s *Store) Events(ctx context.Context, limit, offset int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, event_type, payload FROM event_log_v1
		 ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: events: %w", err)
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var (
			rec        EventRecord
			tsStr      string
			payloadStr string
		)
		if err := rows.Scan(&rec.ID, &tsStr, &rec.Type, &payloadStr); err != nil {
			return nil, fmt.Errorf("store: scan event row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		if err := json.Unmarshal([]byte(payloadStr), &rec.Payload); err != nil {
			s.logger.Warn("store: skipping malformed event payload", slog.Int64("id", rec.ID))
			rec.Payload = nil
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ---------------------------------------------------------------------------
// Resource stats
// ---------------------------------------------------------------------------

// ResourceStat is the cumulative background activity recorded per package.
type ResourceStat struct {
	Package           string
	BackgroundCPUSecs float64
	FrozenSessions    int
}

// AddBackgroundCPU accumulates secs of background CPU time against pkg and
// bumps its frozen-session counter.
func (s *Store) AddBackgroundCPU(ctx context.Context, pkg string, secs float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_stats_v1 (package_name, background_cpu_seconds, frozen_sessions)
		 VALUES (?, ?, 1)
		 ON CONFLICT(package_name) DO UPDATE SET
		     background_cpu_seconds = background_cpu_seconds + excluded.background_cpu_seconds,
		     frozen_sessions        = frozen_sessions + 1`,
		pkg, secs)
	if err != nil {
		return fmt.Errorf("store: add background cpu for %s: %w", pkg, err)
	}
	return nil
}

// ResourceStats returns the cumulative stats for every package that has any.
func (s *Store) ResourceStats(ctx context.Context) ([]ResourceStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT package_name, background_cpu_seconds, frozen_sessions
		 FROM resource_stats_v1 ORDER BY background_cpu_seconds DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: resource stats: %w", err)
	}
	defer rows.Close()

	var stats []ResourceStat
	for rows.Next() {
		var st ResourceStat
		if err := rows.Scan(&st.Package, &st.BackgroundCPUSecs, &st.FrozenSessions); err != nil {
			return nil, fmt.Errorf("store: scan resource stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ClearStats removes all event-log rows and resource statistics. Policies
// and master settings are preserved.
func (s *Store) ClearStats(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_log_v1`); err != nil {
		return fmt.Errorf("store: clear event log: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resource_stats_v1`); err != nil {
		return fmt.Errorf("store: clear resource stats: %w", err)
	}
	return nil
}
