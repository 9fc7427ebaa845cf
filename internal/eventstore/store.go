package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/config"
	_ "modernc.org/sqlite"
)

// Request is one generation request as issued to the engine. Text is kept,
// synthesized audio never is.
type Request struct {
	Token     string    `json:"token"`
	Text      string    `json:"text"`
	VoiceID   int       `json:"voice_id"`
	Speed     float32   `json:"speed"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents a recorded timeline entry for a request.
type Event struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed request timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    token TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    voice_id INTEGER NOT NULL,
    speed REAL NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    token TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(token) REFERENCES requests(token) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
CREATE INDEX IF NOT EXISTS idx_events_token_id ON events(token, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendRequest records a request. Re-recording a token keeps the first row.
func (s *Store) AppendRequest(ctx context.Context, req Request) error {
	if s.disabled() {
		return nil
	}
	if req.Token == "" {
		return errors.New("request token required")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(token, text, voice_id, speed, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO NOTHING`,
		req.Token, req.Text, req.VoiceID, float64(req.Speed), req.CreatedAt.UnixNano())
	return err
}

// AppendEvent writes an event for a previously recorded request.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(token, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.Token, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// GetRequest returns the request with token, or sql.ErrNoRows.
func (s *Store) GetRequest(ctx context.Context, token string) (Request, error) {
	if s.disabled() {
		return Request{}, sql.ErrNoRows
	}
	var (
		req     Request
		speed   float64
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, text, voice_id, speed, created_at FROM requests WHERE token = ?`, token).
		Scan(&req.Token, &req.Text, &req.VoiceID, &speed, &created)
	if err != nil {
		return Request{}, err
	}
	req.Speed = float32(speed)
	req.CreatedAt = time.Unix(0, created).UTC()
	return req, nil
}

// ListRecentRequests returns up to limit requests, newest first.
func (s *Store) ListRecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, text, voice_id, speed, created_at FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			req     Request
			speed   float64
			created int64
		)
		if err := rows.Scan(&req.Token, &req.Text, &req.VoiceID, &speed, &created); err != nil {
			return nil, err
		}
		req.Speed = float32(speed)
		req.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListRequestEvents retrieves up to limit events for a request in the order
// they were recorded.
func (s *Store) ListRequestEvents(ctx context.Context, token string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, event_type, payload, created_at
		 FROM events WHERE token = ? ORDER BY id ASC LIMIT ?`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Token, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE token IN (
			SELECT token FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
