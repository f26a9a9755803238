// Package sqlite provides a SQLite-backed storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"goaltrack/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	username        TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email ON users(email) WHERE email != '';

CREATE TABLE IF NOT EXISTS goals (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     INTEGER NOT NULL REFERENCES users(id),
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS goals_user ON goals(user_id);
`

// Store persists users and goals in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = "id, username, hashed_password, email"

func scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.HashedPassword, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// UserByID fetches a user by primary key.
func (s *Store) UserByID(ctx context.Context, id int64) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// UserByUsername fetches a user by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	return scanUser(row)
}

// UserByEmail fetches a user by linked email. Accounts without an email
// never match.
func (s *Store) UserByEmail(ctx context.Context, email string) (*storage.User, error) {
	if email == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ? AND email != ''", email)
	return scanUser(row)
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, nu storage.NewUser) (*storage.User, error) {
	username := strings.TrimSpace(nu.Username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, hashed_password, email) VALUES (?, ?, ?)",
		username, nu.HashedPassword, strings.TrimSpace(nu.Email))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &storage.User{
		ID:             id,
		Username:       username,
		HashedPassword: nu.HashedPassword,
		Email:          strings.TrimSpace(nu.Email),
	}, nil
}

// ListUsers returns all accounts ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		var u storage.User
		if err := rows.Scan(&u.ID, &u.Username, &u.HashedPassword, &u.Email); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GoalsByUser returns the user's goals in insertion order.
func (s *Store) GoalsByUser(ctx context.Context, userID int64) ([]storage.Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, description, notes FROM goals WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var goals []storage.Goal
	for rows.Next() {
		var g storage.Goal
		if err := rows.Scan(&g.ID, &g.UserID, &g.Title, &g.Description, &g.Notes); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// CreateGoal inserts a new goal.
func (s *Store) CreateGoal(ctx context.Context, ng storage.NewGoal) (*storage.Goal, error) {
	title := strings.TrimSpace(ng.Title)
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO goals (user_id, title, description, notes) VALUES (?, ?, ?, ?)",
		ng.UserID, title, ng.Description, ng.Notes)
	if err != nil {
		return nil, fmt.Errorf("insert goal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("goal id: %w", err)
	}
	return &storage.Goal{
		ID:          id,
		UserID:      ng.UserID,
		Title:       title,
		Description: ng.Description,
		Notes:       ng.Notes,
	}, nil
}
