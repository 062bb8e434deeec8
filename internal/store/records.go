package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orbitmail/syncd/internal/model"
)

// RecordStore persists the local counterparts of remote items along
// with the advisory per-record sync locks.
type RecordStore struct {
	db      *sqlx.DB
	lockTTL time.Duration
}

// GetByCorrelation looks up the record imported for a correlation id;
// nil when none exists. Soft-deleted records still match so a replayed
// delete stays idempotent.
func (s *RecordStore) GetByCorrelation(ctx context.Context, mailboxID, correlationID string) (*model.LocalRecord, error) {
	if correlationID == "" {
		return nil, nil
	}
	var rec model.LocalRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM records WHERE mailbox_id = ? AND correlation_id = ? LIMIT 1`,
		mailboxID, correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up correlation %s: %w", correlationID, err)
	}
	return &rec, nil
}

// GetByRemoteID looks up the record imported for a backend-native id.
func (s *RecordStore) GetByRemoteID(ctx context.Context, mailboxID, remoteID string) (*model.LocalRecord, error) {
	if remoteID == "" {
		return nil, nil
	}
	var rec model.LocalRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM records WHERE mailbox_id = ? AND remote_id = ? AND deleted = 0 LIMIT 1`,
		mailboxID, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up remote id %s: %w", remoteID, err)
	}
	return &rec, nil
}

// FindByFingerprint returns the first live record with the same
// content fingerprint whose start date falls within the tolerance
// window around at. This is the dedup fallback when a remote item
// carries no correlation id.
func (s *RecordStore) FindByFingerprint(ctx context.Context, mailboxID, fp string, at time.Time, window time.Duration) (*model.LocalRecord, error) {
	if fp == "" {
		return nil, nil
	}
	var rec model.LocalRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT * FROM records
		WHERE mailbox_id = ? AND fingerprint = ? AND deleted = 0
		  AND start_at BETWEEN ? AND ?
		LIMIT 1
	`, mailboxID, fp, at.Add(-window).UTC(), at.Add(window).UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up fingerprint: %w", err)
	}
	return &rec, nil
}

// Insert writes a new record.
func (s *RecordStore) Insert(ctx context.Context, rec *model.LocalRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO records
			(id, mailbox_id, owner_id, kind, correlation_id, remote_id,
			 title, body, start_at, due_at, priority, status, timezone,
			 fingerprint, deleted, created_at, updated_at)
		VALUES
			(:id, :mailbox_id, :owner_id, :kind, :correlation_id, :remote_id,
			 :title, :body, :start_at, :due_at, :priority, :status, :timezone,
			 :fingerprint, :deleted, :created_at, :updated_at)
	`, rec)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ID, err)
	}
	return nil
}

// Update rewrites the synchronized fields of an existing record.
func (s *RecordStore) Update(ctx context.Context, rec *model.LocalRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE records SET
			correlation_id = :correlation_id,
			remote_id = :remote_id,
			title = :title,
			body = :body,
			start_at = :start_at,
			due_at = :due_at,
			priority = :priority,
			status = :status,
			timezone = :timezone,
			fingerprint = :fingerprint,
			deleted = :deleted,
			updated_at = :updated_at
		WHERE id = :id
	`, rec)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", rec.ID, err)
	}
	return nil
}

// MarkDeleted soft-deletes a record. Already-deleted records are a
// no-op, which keeps a replayed delete idempotent.
func (s *RecordStore) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	return nil
}

// AcquireLock takes the advisory lock on a record for a session.
// Returns false when another live session holds it. Re-acquiring a
// lock already held by the same session succeeds, and a lock past its
// TTL is stolen: that expiry is the safety net against a crashed run
// that never reached its unlock path.
func (s *RecordStore) AcquireLock(ctx context.Context, recordID, sessionID string) (bool, error) {
	cutoff := time.Now().Add(-s.lockTTL).UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_locks (record_id, session_id, locked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			session_id = excluded.session_id,
			locked_at = excluded.locked_at
		WHERE sync_locks.session_id = excluded.session_id
		   OR sync_locks.locked_at <= ?
	`, recordID, sessionID, time.Now().UTC(), cutoff)
	if err != nil {
		return false, fmt.Errorf("acquiring lock on %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lock on %s: %w", recordID, err)
	}
	return n > 0, nil
}

// ReleaseLock drops the advisory lock if this session still holds it.
func (s *RecordStore) ReleaseLock(ctx context.Context, recordID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE record_id = ? AND session_id = ?`,
		recordID, sessionID)
	if err != nil {
		return fmt.Errorf("releasing lock on %s: %w", recordID, err)
	}
	return nil
}
