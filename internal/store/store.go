package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// Session status values.
const (
	StatusActive   = "activa"
	StatusFinished = "finalizada"
)

type Session struct {
	ID        int64
	StartedAt time.Time
	EndedAt   time.Time
	Minutes   int
	Status    string
}

// Detection is one classified sample tied to a session.
type Detection struct {
	SessionID int64
	Category  fatigue.Category
	Level     fatigue.Level
	Indicator string
	BlinkRate int
	Posture   fatigue.Posture
	PPM       float64
	CreatedAt time.Time
}

type AlertRecord struct {
	ID          string
	SessionID   int64
	Kind        fatigue.AlertKind
	Level       fatigue.Level
	CreatedAt   time.Time
	DeliveredAt time.Time
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT '',
			minutes_total INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'activa'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, started_at)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id),
			category TEXT NOT NULL,
			level TEXT NOT NULL,
			indicator TEXT NOT NULL DEFAULT '',
			blink_rate INTEGER,
			posture TEXT,
			ppm REAL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id),
			kind TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			delivered_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// OpenOrCreateSession resumes the most recent active session or starts a
// new one.
func (s *Store) OpenOrCreateSession(ctx context.Context, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, minutes_total, status FROM sessions
		WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT 1
	`, StatusActive))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("find active session: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (started_at, status) VALUES (?, ?)
	`, formatTime(now), StatusActive)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return Session{ID: id, StartedAt: now.UTC(), Status: StatusActive}, nil
}

func (s *Store) SetMinutes(ctx context.Context, sessionID int64, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET minutes_total = ? WHERE id = ?`, minutes, sessionID)
	if err != nil {
		return fmt.Errorf("set minutes: %w", err)
	}
	return nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID int64, minutes int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, minutes_total = ?, ended_at = ? WHERE id = ?
	`, StatusFinished, minutes, formatTime(now), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close session: session %d not found", sessionID)
	}
	return nil
}

func (s *Store) LatestSession(ctx context.Context) (Session, bool, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, minutes_total, status FROM sessions
		ORDER BY started_at DESC, id DESC LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("latest session: %w", err)
	}
	return sess, true, nil
}

func (s *Store) scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var started, ended string
	if err := row.Scan(&sess.ID, &started, &ended, &sess.Minutes, &sess.Status); err != nil {
		return Session{}, err
	}
	sess.StartedAt = parseTime(started)
	sess.EndedAt = parseTime(ended)
	return sess, nil
}

func (s *Store) RecordDetection(ctx context.Context, d Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blink, posture, ppm any
	switch d.Category {
	case fatigue.CategoryVisual:
		blink = d.BlinkRate
	case fatigue.CategoryPostural:
		posture = string(d.Posture)
	case fatigue.CategoryEnvironmental:
		ppm = d.PPM
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (session_id, category, level, indicator, blink_rate, posture, ppm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.SessionID, string(d.Category), string(d.Level), d.Indicator, blink, posture, ppm, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("record detection: %w", err)
	}
	return nil
}

// RecentDetections returns up to limit detections for a session, newest first.
func (s *Store) RecentDetections(ctx context.Context, sessionID int64, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, category, level, indicator, blink_rate, posture, ppm, created_at
		FROM detections WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var (
			d               Detection
			category, level string
			blink           sql.NullInt64
			posture         sql.NullString
			ppm             sql.NullFloat64
			created         string
		)
		if err := rows.Scan(&d.SessionID, &category, &level, &d.Indicator, &blink, &posture, &ppm, &created); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.Category = fatigue.Category(category)
		d.Level = fatigue.Level(level)
		d.BlinkRate = int(blink.Int64)
		d.Posture = fatigue.Posture(posture.String)
		d.PPM = ppm.Float64
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return out, nil
}

func (s *Store) RecordAlert(ctx context.Context, sessionID int64, ev fatigue.AlertEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, session_id, kind, category, level, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, sessionID, string(ev.Kind), string(ev.Category), string(ev.Level), string(payload), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET delivered_at = ? WHERE id = ?`, formatTime(at), alertID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *Store) Alerts(ctx context.Context, sessionID int64) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, level, created_at, delivered_at
		FROM alerts WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			a                  AlertRecord
			kind, level        string
			created, delivered string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &kind, &level, &created, &delivered); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Kind = fatigue.AlertKind(kind)
		a.Level = fatigue.Level(level)
		a.CreatedAt = parseTime(created)
		a.DeliveredAt = parseTime(delivered)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// timeLayout is fixed width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
