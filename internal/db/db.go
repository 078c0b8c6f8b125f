package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/4xmen/goftegu/internal/models"
)

// ErrNoSession is returned when nobody is logged in on this machine.
var ErrNoSession = errors.New("not logged in")

type DB struct {
	conn *sql.DB
}

// Session is the token and minimal profile kept between CLI runs.
type Session struct {
	Token   string
	User    models.User
	SavedAt time.Time
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets `goftegu listen` keep reading while another command logs in/out
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	// A single row of state does not need a pool.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'other',
		avatar TEXT,
		verified INTEGER NOT NULL DEFAULT 0,
		saved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) SaveSession(ctx context.Context, s Session) error {
	if s.Token == "" || s.User.ID == "" {
		return errors.New("session requires a token and a user id")
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now().UTC()
	}

	var avatar sql.NullString
	if s.User.Avatar != "" {
		avatar = sql.NullString{String: s.User.Avatar, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO session (id, token, user_id, name, role, avatar, verified, saved_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			name = excluded.name,
			role = excluded.role,
			avatar = excluded.avatar,
			verified = excluded.verified,
			saved_at = excluded.saved_at
	`, s.Token, s.User.ID, s.User.Name, string(s.User.Role), avatar, s.User.Verified, s.SavedAt)
	if err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	return nil
}

func (db *DB) LoadSession(ctx context.Context) (*Session, error) {
	var (
		s      Session
		role   string
		avatar sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT token, user_id, name, role, avatar, verified, saved_at FROM session WHERE id = 1
	`).Scan(&s.Token, &s.User.ID, &s.User.Name, &role, &avatar, &s.User.Verified, &s.SavedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoSession
		}
		return nil, errors.Wrap(err, "failed to load session")
	}
	s.User.Role = models.ParseRole(role)
	if avatar.Valid {
		s.User.Avatar = avatar.String
	}
	return &s, nil
}

func (db *DB) ClearSession(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM session"); err != nil {
		return errors.Wrap(err, "failed to clear session")
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}
