package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists operator auth data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertOperator ensures an operator record exists.
func (r *Repository) UpsertOperator(ctx context.Context, operatorID string) error {
	if operatorID == "" {
		return errors.New("operator id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operators (operator_id)
		VALUES ($1)
		ON CONFLICT (operator_id) DO NOTHING
	`, operatorID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, operatorID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (operator_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, operatorID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// RefreshTokenValid reports whether the token is known, unexpired, and not
// revoked.
func (r *Repository) RefreshTokenValid(ctx context.Context, token string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT NOT revoked AND expires_at > NOW()
		FROM refresh_tokens WHERE token = $1
	`, token)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
