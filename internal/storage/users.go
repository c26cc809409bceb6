package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veildata/veil/internal/model"
)

// CreateUser inserts a new user together with their budget in one
// transaction. A user never exists without a budget row.
func (db *DB) CreateUser(ctx context.Context, req model.CreateUserRequest, apiKeyHash string) (model.User, error) {
	user := model.User{
		ID:        uuid.New(),
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, email, first_name, last_name, role, api_key_hash, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.FirstName, user.LastName,
		string(user.Role), apiKeyHash, user.IsActive, user.CreatedAt,
	); err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO budgets (user_id, review, release) VALUES ($1, $2, $3)`,
		user.ID, model.DefaultReviewBudget, model.DefaultReleaseBudget,
	); err != nil {
		return model.User{}, fmt.Errorf("storage: create budget: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.User{}, fmt.Errorf("storage: commit create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	return db.scanUser(db.pool.QueryRow(ctx,
		`SELECT id, email, first_name, last_name, role, is_active, created_at
		 FROM users WHERE id = $1`, id))
}

// GetUserByEmail retrieves a user by email address.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	return db.scanUser(db.pool.QueryRow(ctx,
		`SELECT id, email, first_name, last_name, role, is_active, created_at
		 FROM users WHERE email = $1`, email))
}

// GetUserAPIKeyHash returns the stored Argon2id hash for a user's API key.
func (db *DB) GetUserAPIKeyHash(ctx context.Context, id uuid.UUID) (string, error) {
	var hash string
	err := db.pool.QueryRow(ctx,
		`SELECT api_key_hash FROM users WHERE id = $1 AND is_active`, id,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get api key hash: %w", err)
	}
	return hash, nil
}

// CountUsers returns the total number of user rows.
func (db *DB) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return n, nil
}

func (db *DB) scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}
