package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/sensor"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// timestampLayout is fixed-width so that text comparison orders chronologically
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteConfig configures the SQLite store
type SQLiteConfig struct {
	Path         string        `yaml:"path" default:"blesense.db"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" default:"5s"`
	MaxOpenConns int           `yaml:"max_open_conns" default:"4"`
}

// SQLiteStore implements Store on mattn/go-sqlite3
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database and applies pending migrations
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&cfg)

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.Path == MemoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	s := &SQLiteStore{db: db, path: cfg.Path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithField("path", cfg.Path).Info("Database connected")
	return s, nil
}

func buildDSN(cfg SQLiteConfig) (string, error) {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"_foreign_keys=on",
	}

	if cfg.Path == MemoryPath {
		return "file::memory:?" + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("creating database directory: %w", err)
		}
	}
	params = append(params, "_journal_mode=WAL")
	return fmt.Sprintf("file:%s?%s", cfg.Path, strings.Join(params, "&")), nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(filepath.Base(name), ".up.sql")

		var applied int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("querying migrations: %w", err)
		}
		if applied > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.applyMigration(ctx, version, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
		s.logger.WithField("version", version).Info("Migration applied")
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, version, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSensorIfNotExists(ctx context.Context, sn sensor.Sensor) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sensors (family, address, name) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		string(sn.Family), sn.Address, nullString(sn.Name))
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

// GetSensorHandle looks the sensor up by address
func (s *SQLiteStore) GetSensorHandle(ctx context.Context, sn sensor.Sensor) (Handle, error) {
	return s.GetSensorByAddress(ctx, sn.Key())
}

func (s *SQLiteStore) GetSensorByAddress(ctx context.Context, address string) (Handle, error) {
	var h Handle
	err := s.db.QueryRowContext(ctx, "SELECT id FROM sensors WHERE address = ?", address).Scan(&h)
	if err != nil {
		return 0, classify(err)
	}
	return h, nil
}

func (s *SQLiteStore) GetSensorByHandle(ctx context.Context, h Handle) (sensor.Sensor, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, family, address, name FROM sensors WHERE id = ?", int64(h))
	rec, err := scanSensor(row)
	if err != nil {
		return sensor.Sensor{}, err
	}
	return rec.Sensor, nil
}

func (s *SQLiteStore) GetSensors(ctx context.Context) ([]SensorRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, family, address, name FROM sensors ORDER BY id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []SensorRecord{}
	for rows.Next() {
		rec, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *SQLiteStore) AddReading(ctx context.Context, h Handle, ts time.Time, r sensor.Reading) error {
	if err := r.Validate(); err != nil {
		return &Error{Kind: Other, Msg: err.Error(), Err: err}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO readings (sensor, timestamp, kind, value) VALUES (?, ?, ?, ?)",
		int64(h), formatTimestamp(ts), string(r.Kind), r.Value)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *SQLiteStore) GetReadings(ctx context.Context, h Handle) ([]sensor.TimestampedReading, error) {
	return s.queryReadings(ctx,
		"SELECT timestamp, kind, value FROM readings WHERE sensor = ? ORDER BY timestamp, id",
		int64(h))
}

func (s *SQLiteStore) GetReadingsAfter(ctx context.Context, h Handle, ts time.Time) ([]sensor.TimestampedReading, error) {
	return s.queryReadings(ctx,
		"SELECT timestamp, kind, value FROM readings WHERE sensor = ? AND timestamp > ? ORDER BY timestamp, id",
		int64(h), formatTimestamp(ts))
}

func (s *SQLiteStore) GetLatestReading(ctx context.Context, h Handle, kind sensor.Kind) (sensor.TimestampedReading, error) {
	readings, err := s.queryReadings(ctx,
		"SELECT timestamp, kind, value FROM readings WHERE sensor = ? AND kind = ? ORDER BY timestamp DESC, id DESC LIMIT 1",
		int64(h), string(kind))
	if err != nil {
		return sensor.TimestampedReading{}, err
	}
	if len(readings) == 0 {
		return sensor.TimestampedReading{}, &Error{Kind: NotFound, Msg: fmt.Sprintf("no %s reading for sensor %d", kind, h)}
	}
	return readings[0], nil
}

func (s *SQLiteStore) queryReadings(ctx context.Context, query string, args ...any) ([]sensor.TimestampedReading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []sensor.TimestampedReading{}
	for rows.Next() {
		var (
			ts    string
			kind  string
			value int
		)
		if err := rows.Scan(&ts, &kind, &value); err != nil {
			return nil, classify(err)
		}
		t, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return nil, &Error{Kind: Other, Msg: fmt.Sprintf("bad timestamp %q", ts), Err: err}
		}
		out = append(out, sensor.TimestampedReading{
			Timestamp: t,
			Reading:   sensor.Reading{Kind: sensor.Kind(kind), Value: value},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensor(row rowScanner) (SensorRecord, error) {
	var (
		rec    SensorRecord
		family string
		name   sql.NullString
	)
	if err := row.Scan(&rec.Handle, &family, &rec.Address, &name); err != nil {
		return SensorRecord{}, classify(err)
	}
	f, err := sensor.ParseFamily(family)
	if err != nil {
		return SensorRecord{}, &Error{Kind: Other, Msg: err.Error(), Err: err}
	}
	rec.Family = f
	rec.Name = name.String
	return rec, nil
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// classify maps driver errors onto storage kinds
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: NotFound, Err: err}
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return &Error{Kind: Busy, Msg: se.Error(), Err: err}
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return &Error{Kind: Conflict, Msg: se.Error(), Err: err}
		case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return &Error{Kind: NotFound, Msg: se.Error(), Err: err}
		}
	}

	// errors wrapped by database/sql lose the typed sqlite3.Error
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") {
		return &Error{Kind: Busy, Msg: err.Error(), Err: err}
	}
	return &Error{Kind: Other, Msg: err.Error(), Err: err}
}
