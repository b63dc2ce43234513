package db

import (
	"database/sql"
	"fmt"
	"time"

	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"probed/internal/wire"
)

//go:embed migrations/*.sql
var fs embed.FS

// Store is the persistence surface the daemon's status page and Reporter
// sink use: sessions are probe configs, rollups are per-window tdigest
// summaries of one session's RTT distribution, keyed by session not by
// probe_id so a session can be re-pointed at a new address without losing
// history.
type Store interface {
	AddSession(s *Session) (int64, error)
	UpdateSession(s *Session) error
	GetSessions() ([]Session, error)
	DeleteSession(id int64) error
	AddRollup(r *Rollup) error
	GetRollups(sessionID int64, limit int) ([]Rollup, error)
	GetRollupsByTime(sessionID int64, start, end time.Time) ([]Rollup, error)
	DeleteRollupsBefore(sessionID int64, cutoff time.Time) error
	Close() error
}

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}

	d := &DB{sqlDB}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	driver, err := sqlite3.WithInstance(d.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}

	src, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Session is a probe target's persisted config — the storage-layer
// counterpart to engine.SessionSpec.
type Session struct {
	ID         int64
	ProbeID    wire.ProbeId
	Address    string
	IntervalMs int64
	Dscp       wire.Dscp
}

// Rollup is one windowed RTT-distribution summary for a session, the
// storage-layer counterpart to the Reporter's InteractiveSink aggregate.
type Rollup struct {
	Time         time.Time
	SessionID    int64
	OkCount      int64
	LossCount    int64
	TimeoutCount int64
	TDigestData  []byte
}

func (d *DB) AddSession(s *Session) (int64, error) {
	res, err := d.Exec(`INSERT INTO sessions (probe_id, address, interval_ms, dscp) VALUES (?, ?, ?, ?)`,
		s.ProbeID, s.Address, s.IntervalMs, s.Dscp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) UpdateSession(s *Session) error {
	_, err := d.Exec(`UPDATE sessions SET probe_id=?, address=?, interval_ms=?, dscp=? WHERE id=?`,
		s.ProbeID, s.Address, s.IntervalMs, s.Dscp, s.ID)
	return err
}

func (d *DB) GetSessions() ([]Session, error) {
	rows, err := d.Query(`SELECT id, probe_id, address, interval_ms, dscp FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.ProbeID, &s.Address, &s.IntervalMs, &s.Dscp); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (d *DB) DeleteSession(id int64) error {
	_, err := d.Exec(`DELETE FROM rollups WHERE session_id = ?`, id)
	if err != nil {
		return err
	}
	_, err = d.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (d *DB) AddRollup(r *Rollup) error {
	_, err := d.Exec(`INSERT INTO rollups (time, session_id, ok_count, loss_count, timeout_count, tdigest_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Time, r.SessionID, r.OkCount, r.LossCount, r.TimeoutCount, r.TDigestData)
	return err
}

func (d *DB) GetRollups(sessionID int64, limit int) ([]Rollup, error) {
	rows, err := d.Query(`SELECT time, session_id, ok_count, loss_count, timeout_count, tdigest_data
		FROM rollups WHERE session_id = ? ORDER BY time DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRollups(rows)
}

func (d *DB) GetRollupsByTime(sessionID int64, start, end time.Time) ([]Rollup, error) {
	rows, err := d.Query(`SELECT time, session_id, ok_count, loss_count, timeout_count, tdigest_data
		FROM rollups WHERE session_id = ? AND time >= ? AND time <= ? ORDER BY time ASC`, sessionID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRollups(rows)
}

func (d *DB) DeleteRollupsBefore(sessionID int64, cutoff time.Time) error {
	_, err := d.Exec(`DELETE FROM rollups WHERE session_id = ? AND time < ?`, sessionID, cutoff)
	return err
}

func scanRollups(rows *sql.Rows) ([]Rollup, error) {
	var rollups []Rollup
	for rows.Next() {
		var r Rollup
		if err := rows.Scan(&r.Time, &r.SessionID, &r.OkCount, &r.LossCount, &r.TimeoutCount, &r.TDigestData); err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	return rollups, nil
}
