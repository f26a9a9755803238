// Package storage defines the persistence types and interfaces consumed
// by the web server. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// User is a local account. HashedPassword is empty for accounts that can
// only sign in through a federated provider; Email is empty for accounts
// that were never linked to one.
type User struct {
	ID             int64
	Username       string
	HashedPassword string
	Email          string
}

// NewUser carries the fields required to create an account.
type NewUser struct {
	Username       string
	HashedPassword string
	Email          string
}

// Goal is a single tracked goal belonging to a user.
type Goal struct {
	ID          int64
	UserID      int64
	Title       string
	Description string
	Notes       string
}

// NewGoal carries the fields required to create a goal.
type NewGoal struct {
	UserID      int64
	Title       string
	Description string
	Notes       string
}

// UserStore provides the account lookups the auth flows depend on.
type UserStore interface {
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, nu NewUser) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// GoalStore provides goal persistence.
type GoalStore interface {
	GoalsByUser(ctx context.Context, userID int64) ([]Goal, error)
	CreateGoal(ctx context.Context, ng NewGoal) (*Goal, error)
}

// Store combines the storage capabilities the application wires together.
type Store interface {
	UserStore
	GoalStore
	Close() error
}
