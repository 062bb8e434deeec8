package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orbitmail/syncd/internal/model"
)

// MailboxStore persists mailbox configuration, the engine-owned
// error/checkpoint fields and the per-kind sync checkpoints.
type MailboxStore struct {
	db *sqlx.DB
}

// Upsert writes a mailbox row, replacing an existing one with the same
// id. Administrative configuration path; the engine itself only ever
// touches the checkpoint and error-state columns.
func (s *MailboxStore) Upsert(ctx context.Context, mb *model.Mailbox) error {
	folderIDs, err := json.Marshal(mb.FolderIDs)
	if err != nil {
		return fmt.Errorf("encoding folder ids: %w", err)
	}
	mb.FolderIDsJSON = string(folderIDs)
	mb.UpdatedAt = time.Now().UTC()

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO mailboxes
			(id, sender, credential_ref, backend, owner_id, shared,
			 sync_enabled, import_enabled, export_enabled, scope, folder_ids,
			 last_good_sync, error_code, error_message, retry_count, updated_at)
		VALUES
			(:id, :sender, :credential_ref, :backend, :owner_id, :shared,
			 :sync_enabled, :import_enabled, :export_enabled, :scope, :folder_ids,
			 :last_good_sync, :error_code, :error_message, :retry_count, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			sender = excluded.sender,
			credential_ref = excluded.credential_ref,
			backend = excluded.backend,
			owner_id = excluded.owner_id,
			shared = excluded.shared,
			sync_enabled = excluded.sync_enabled,
			import_enabled = excluded.import_enabled,
			export_enabled = excluded.export_enabled,
			scope = excluded.scope,
			folder_ids = excluded.folder_ids,
			updated_at = excluded.updated_at
	`, mb)
	if err != nil {
		return fmt.Errorf("upserting mailbox %s: %w", mb.ID, err)
	}
	return nil
}

// Get loads one mailbox; nil when it does not exist.
func (s *MailboxStore) Get(ctx context.Context, id string) (*model.Mailbox, error) {
	var mb model.Mailbox
	err := s.db.GetContext(ctx, &mb, `SELECT * FROM mailboxes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading mailbox %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(mb.FolderIDsJSON), &mb.FolderIDs); err != nil {
		return nil, fmt.Errorf("decoding folder ids of %s: %w", id, err)
	}
	return &mb, nil
}

// ListSyncEnabled returns every mailbox with synchronization enabled.
func (s *MailboxStore) ListSyncEnabled(ctx context.Context) ([]*model.Mailbox, error) {
	var rows []model.Mailbox
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM mailboxes WHERE sync_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing sync-enabled mailboxes: %w", err)
	}
	out := make([]*model.Mailbox, 0, len(rows))
	for i := range rows {
		mb := rows[i]
		if err := json.Unmarshal([]byte(mb.FolderIDsJSON), &mb.FolderIDs); err != nil {
			return nil, fmt.Errorf("decoding folder ids of %s: %w", mb.ID, err)
		}
		out = append(out, &mb)
	}
	return out, nil
}

// SetError records an operator-facing error state and bumps the retry
// counter.
func (s *MailboxStore) SetError(ctx context.Context, mailboxID, code, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes
		SET error_code = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
	`, code, message, time.Now().UTC(), mailboxID)
	if err != nil {
		return fmt.Errorf("recording error on mailbox %s: %w", mailboxID, err)
	}
	return nil
}

// ClearError resets the error state after a clean run and records the
// last known-good sync time.
func (s *MailboxStore) ClearError(ctx context.Context, mailboxID string, lastGoodSync time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes
		SET error_code = '', error_message = '', retry_count = 0,
		    last_good_sync = ?, updated_at = ?
		WHERE id = ?
	`, lastGoodSync.UTC(), time.Now().UTC(), mailboxID)
	if err != nil {
		return fmt.Errorf("clearing error on mailbox %s: %w", mailboxID, err)
	}
	return nil
}

// SetSyncEnabled soft-disables or re-enables synchronization. The
// engine never deletes a mailbox row.
func (s *MailboxStore) SetSyncEnabled(ctx context.Context, mailboxID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mailboxes SET sync_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), mailboxID)
	if err != nil {
		return fmt.Errorf("toggling sync on mailbox %s: %w", mailboxID, err)
	}
	return nil
}

// Load returns the stored checkpoint for a mailbox/kind pair; the zero
// time when none exists yet (first sync).
func (s *MailboxStore) Load(ctx context.Context, mailboxID string, kind model.ItemKind) (time.Time, error) {
	var until time.Time
	err := s.db.GetContext(ctx, &until,
		`SELECT synced_until FROM checkpoints WHERE mailbox_id = ? AND item_kind = ?`,
		mailboxID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("loading checkpoint %s/%s: %w", mailboxID, kind, err)
	}
	return until, nil
}

// Save persists the checkpoint for a mailbox/kind pair. The session
// owns the value for the duration of a run; this is only called after
// the batch has been fully walked.
func (s *MailboxStore) Save(ctx context.Context, mailboxID string, kind model.ItemKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (mailbox_id, item_kind, synced_until, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox_id, item_kind) DO UPDATE SET
			synced_until = excluded.synced_until,
			updated_at = excluded.updated_at
	`, mailboxID, kind, at.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving checkpoint %s/%s: %w", mailboxID, kind, err)
	}
	return nil
}
