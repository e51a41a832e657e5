package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"veritas/internal/portal/models"
	"veritas/pkg/platform/sentinel"
	txcontext "veritas/pkg/platform/tx"
)

const (
	uniqueViolation = "23505"
	tokenColumns    = `token, artifact_id, artifact_digest, allowed_party, permissions, created_at, expires_at, used, used_at, revoked`
)

// PostgresStore keeps tokens in disclosure_tokens. Execute locks the row
// with SELECT ... FOR UPDATE so concurrent redemptions serialize.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, token *models.Token) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO disclosure_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		token.Token,
		token.ArtifactID,
		token.ArtifactDigest,
		token.AllowedParty,
		pq.Array(token.Permissions.Strings()),
		token.CreatedAt,
		token.ExpiresAt,
		token.Used,
		nullTime(token.UsedAt),
		token.Revoked,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert disclosure token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, token string) (*models.Token, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM disclosure_tokens WHERE token = $1
	`, token)
	return scanToken(row)
}

func (s *PostgresStore) Execute(ctx context.Context, token string, fn func(*models.Token) error) (*models.Token, error) {
	var updated *models.Token
	err := txcontext.Run(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+tokenColumns+` FROM disclosure_tokens WHERE token = $1 FOR UPDATE
		`, token)
		t, err := scanToken(row)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE disclosure_tokens SET used = $2, used_at = $3, revoked = $4
			WHERE token = $1
		`, t.Token, t.Used, nullTime(t.UsedAt), t.Revoked)
		if err != nil {
			return fmt.Errorf("update disclosure token: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		DELETE FROM disclosure_tokens WHERE used = FALSE AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(n), nil
}

func scanToken(row *sql.Row) (*models.Token, error) {
	var (
		t      models.Token
		perms  []string
		usedAt sql.NullTime
	)
	err := row.Scan(
		&t.Token,
		&t.ArtifactID,
		&t.ArtifactDigest,
		&t.AllowedParty,
		pq.Array(&perms),
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.Used,
		&usedAt,
		&t.Revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan disclosure token: %w", err)
	}
	t.Permissions = models.PermissionSetFromStrings(perms)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if usedAt.Valid {
		at := usedAt.Time.UTC()
		t.UsedAt = &at
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
