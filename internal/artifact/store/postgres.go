package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"veritas/internal/artifact/models"
	"veritas/pkg/platform/sentinel"
	txcontext "veritas/pkg/platform/tx"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore persists artifacts in the artifacts table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, record *models.Record) error {
	query := `
		INSERT INTO artifacts (artifact_id, classification_key, digest, envelope, issuer, sealed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		record.ArtifactID,
		record.ClassificationKey,
		record.Digest,
		record.Envelope,
		record.Issuer,
		record.SealedAt,
		record.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, artifactID string) (*models.Record, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT artifact_id, classification_key, digest, envelope, issuer, sealed_at, expires_at
		FROM artifacts WHERE artifact_id = $1
	`, artifactID)
	return scanRecord(row)
}

func (s *PostgresStore) FindByDigest(ctx context.Context, classificationKey, digest string) (*models.Record, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT artifact_id, classification_key, digest, envelope, issuer, sealed_at, expires_at
		FROM artifacts WHERE classification_key = $1 AND digest = $2
	`, classificationKey, digest)
	return scanRecord(row)
}

func (s *PostgresStore) UpdateEnvelope(ctx context.Context, artifactID, token string, sealedAt, expiresAt time.Time) error {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		UPDATE artifacts SET envelope = $2, sealed_at = $3, expires_at = $4
		WHERE artifact_id = $1
	`, artifactID, token, sealedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("update artifact envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update artifact envelope: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	var r models.Record
	err := row.Scan(&r.ArtifactID, &r.ClassificationKey, &r.Digest, &r.Envelope, &r.Issuer, &r.SealedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return &r, nil
}
