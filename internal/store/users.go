package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// User is a registered account.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	HashedPassword string `json:"hashed_password"`
}

// CreateUser inserts a user. It returns ErrUserExists when the username is
// already taken.
func (s *Store) CreateUser(ctx context.Context, username, hashedPassword string) (User, error) {
	res, err := sq.Insert("users").
		Columns("username", "hashed_password").
		Values(username, hashedPassword).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("insert user %q: %w", username, ErrUserExists)
		}
		return User{}, fmt.Errorf("insert user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("read user id: %w", err)
	}
	return User{ID: id, Username: username, HashedPassword: hashedPassword}, nil
}

// UserByUsername looks a user up by name. It returns ErrUserNotFound when
// there is no such user.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := sq.Select("id", "username", "hashed_password").
		From("users").
		Where(sq.Eq{"username": username}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&user.ID, &user.Username, &user.HashedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("select user %q: %w", username, err)
	}
	return user, nil
}

// UpdatePassword replaces the stored hash for username. It returns
// ErrUserNotFound when there is no such user.
func (s *Store) UpdatePassword(ctx context.Context, username, hashedPassword string) error {
	res, err := sq.Update("users").
		Set("hashed_password", hashedPassword).
		Where(sq.Eq{"username": username}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update password for %q: %w", username, err)
	}
	found, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !found {
		return ErrUserNotFound
	}
	return nil
}
