// Package store implements the embedded persistence layer (4.E): trade
// records, per-minute price samples, and per-tick evaluations, backed by a
// pure-Go sqlite driver with sync/async write modes.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"

	"github.com/updown15m/engine/internal/config"
)

var allowedRoots = []string{"data", "test-data"}

// Store is the embedded single-writer relational store described in 4.E. The
// zero value is not usable; construct with Open.
type Store struct {
	cfg     config.StoreConfig
	db      *sql.DB
	enabled bool

	mu          sync.Mutex
	nextID      int64
	nextEvalID  int64
	pending     map[string]*pendingTrade
	writeCh     chan func(*sql.DB) error
	writerDone  chan struct{}
	initialized bool
}

type pendingTrade struct {
	row TradeRow
}

// Open validates cfg.DBPath against the allow-listed roots, opens (creating
// if needed) the sqlite file, and runs migrations. When cfg.Enabled is
// false, no file is created and the returned Store accepts writes as
// no-ops and reads as empty results.
func Open(cfg config.StoreConfig) (*Store, error) {
	s := &Store{cfg: cfg, enabled: cfg.Enabled}

	if !cfg.Enabled {
		s.initialized = true
		return s, nil
	}

	if err := validatePath(cfg.DBPath); err != nil {
		return nil, err
	}
	if err := ensureParentDir(cfg.DBPath); err != nil {
		return nil, ErrInvalidPath
	}

	dsn := cfg.DBPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping db: %w", err)
	}
	s.db = db
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if err := s.restoreCounters(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: restore counters: %w", err)
	}

	s.pending = make(map[string]*pendingTrade)
	s.initialized = true

	if strings.EqualFold(cfg.SyncMode, "async") {
		s.writeCh = make(chan func(*sql.DB) error, 256)
		s.writerDone = make(chan struct{})
		go s.runWriter()
	}

	return s, nil
}

// validatePath confines dbPath to an allow-listed root (./data, ./test-data)
// with an intentionally generic failure for anything escaping it.
func validatePath(dbPath string) error {
	clean := filepath.Clean(dbPath)
	if filepath.IsAbs(clean) {
		return ErrInvalidPath
	}
	clean = strings.TrimPrefix(clean, "."+string(filepath.Separator))
	parts := strings.Split(clean, string(filepath.Separator))
	if len(parts) == 0 || parts[0] == ".." {
		return ErrInvalidPath
	}
	for _, root := range allowedRoots {
		if parts[0] == root {
			return nil
		}
	}
	return ErrInvalidPath
}

func ensureParentDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return mkdirAll(dir)
}

func (s *Store) isAsync() bool {
	return s.writeCh != nil
}

func (s *Store) requireInitialized() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

		CREATE TABLE IF NOT EXISTS trades (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			condition_id       TEXT UNIQUE NOT NULL,
			slug               TEXT NOT NULL,
			symbol             TEXT NOT NULL,
			side               TEXT NOT NULL,
			entry_price        REAL NOT NULL,
			position_size      REAL NOT NULL,
			signal_ts          INTEGER NOT NULL,
			probability        REAL NOT NULL,
			linear_combination REAL NOT NULL,
			imputed_count      INTEGER NOT NULL,
			state_minute       INTEGER NOT NULL,
			hour_of_day        INTEGER NOT NULL,
			day_of_week        INTEGER NOT NULL,
			volatility_regime  TEXT,
			volatility_5m      REAL NOT NULL,
			window_open_price  REAL NOT NULL,
			outcome            TEXT,
			is_win             INTEGER,
			pnl                REAL,
			resolution_ts      INTEGER,
			window_close_price REAL,
			max_favorable      REAL,
			max_adverse        REAL,
			time_to_up         INTEGER,
			time_to_down       INTEGER,
			updated_at         INTEGER,
			created_at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
		CREATE INDEX IF NOT EXISTS idx_trades_signal_ts ON trades(signal_ts);

		CREATE TABLE IF NOT EXISTS trade_features (
			trade_id     INTEGER NOT NULL REFERENCES trades(id),
			feature_json TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS minute_prices (
			trade_id      INTEGER NOT NULL,
			minute_offset INTEGER NOT NULL,
			price         REAL NOT NULL,
			ts            INTEGER NOT NULL,
			UNIQUE(trade_id, minute_offset)
		);

		CREATE TABLE IF NOT EXISTS evaluations (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			condition_id       TEXT NOT NULL,
			slug               TEXT NOT NULL,
			symbol             TEXT NOT NULL,
			ts                 INTEGER NOT NULL,
			state_minute       INTEGER NOT NULL,
			model_probability  REAL NOT NULL,
			linear_combination REAL NOT NULL,
			imputed_count      INTEGER NOT NULL,
			market_price_yes   REAL NOT NULL,
			market_price_no    REAL NOT NULL,
			decision           TEXT NOT NULL,
			reason             TEXT,
			features_json      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_evaluations_condition ON evaluations(condition_id);

		INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`)
	return err
}

func (s *Store) restoreCounters() error {
	var maxTradeID, maxEvalID sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM trades`).Scan(&maxTradeID); err != nil {
		return err
	}
	if err := s.db.QueryRow(`SELECT MAX(id) FROM evaluations`).Scan(&maxEvalID); err != nil {
		return err
	}
	s.nextID = maxTradeID.Int64
	s.nextEvalID = maxEvalID.Int64
	return nil
}

func (s *Store) runWriter() {
	defer close(s.writerDone)
	for job := range s.writeCh {
		if err := job(s.db); err != nil {
			// Best-effort: async write failures have no caller left to
			// report to; the FIFO keeps draining so later writes are not
			// blocked by one bad job.
			continue
		}
	}
}

// Close flushes any pending async writes before releasing the handle.
func (s *Store) Close() error {
	if !s.enabled {
		return nil
	}
	if s.writeCh != nil {
		close(s.writeCh)
		<-s.writerDone
	}
	return s.db.Close()
}

// Stats is the summary returned by GetStats.
type Stats struct {
	TotalTrades    int
	PendingTrades  int
	ResolvedTrades int
	DBSizeBytes    int64
	DBSizeHuman    string
	OldestTrade    *time.Time
	NewestTrade    *time.Time
}

// GetStats summarizes the trades table and on-disk size.
func (s *Store) GetStats() (Stats, error) {
	if err := s.requireInitialized(); err != nil {
		return Stats{}, err
	}
	if !s.enabled {
		return Stats{}, nil
	}

	var stats Stats
	var total, pending int
	var oldest, newest sql.NullInt64
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN outcome IS NULL THEN 1 ELSE 0 END),
		       MIN(signal_ts),
		       MAX(signal_ts)
		  FROM trades
	`).Scan(&total, &pending, &oldest, &newest)
	if err != nil {
		return Stats{}, err
	}
	stats.TotalTrades = total
	stats.PendingTrades = pending
	stats.ResolvedTrades = total - pending
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		stats.OldestTrade = &t
	}
	if newest.Valid {
		t := time.UnixMilli(newest.Int64).UTC()
		stats.NewestTrade = &t
	}

	if info, err := statPath(s.cfg.DBPath); err == nil {
		stats.DBSizeBytes = info
		stats.DBSizeHuman = humanize.Bytes(uint64(info))
	}
	return stats, nil
}

// Vacuum compacts storage without affecting row count.
func (s *Store) Vacuum() error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	if !s.enabled {
		return nil
	}
	_, err := s.db.Exec(`VACUUM`)
	return err
}
