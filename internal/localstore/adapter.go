// Package localstore adapts the sqlite record store to the sync
// engine's local-side contract: duplicate-free resolution, advisory
// locking and idempotent application.
package localstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmail/syncd/internal/fingerprint"
	"github.com/orbitmail/syncd/internal/model"
	"github.com/orbitmail/syncd/internal/store"
	"github.com/orbitmail/syncd/internal/sync"
)

// Options tunes the duplicate-suppression behavior.
type Options struct {
	// DedupeByFingerprint enables the content-hash fallback for items
	// without a correlation id.
	DedupeByFingerprint bool

	// FingerprintWindow bounds how far apart two item dates may lie
	// and still be treated as the same occurrence.
	FingerprintWindow time.Duration
}

// Adapter implements sync.LocalStore over a RecordStore.
type Adapter struct {
	records *store.RecordStore
	opts    Options
	logger  *slog.Logger
}

// New creates an adapter. logger may be nil.
func New(records *store.RecordStore, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FingerprintWindow <= 0 {
		opts.FingerprintWindow = 24 * time.Hour
	}
	return &Adapter{records: records, opts: opts, logger: logger}
}

func itemFingerprint(item sync.RemoteItem) string {
	return fingerprint.Compute(fingerprint.Fields{
		Title:    item.Title,
		Start:    item.Start,
		Due:      item.Due,
		Priority: item.Priority,
		Status:   item.Status,
		TimeZone: item.TimeZone,
	})
}

func anchorDate(item sync.RemoteItem) time.Time {
	if !item.Start.IsZero() {
		return item.Start
	}
	if !item.Due.IsZero() {
		return item.Due
	}
	return item.Modified
}

// Resolve matches a remote item against local records and decides the
// action. Order: correlation id first; fingerprint fallback second
// (when enabled); otherwise the item is new.
func (a *Adapter) Resolve(ctx context.Context, item sync.RemoteItem) (*model.LocalRecord, sync.Action, error) {
	fp := itemFingerprint(item)

	if item.CorrelationID != "" {
		rec, err := a.records.GetByCorrelation(ctx, item.MailboxID, item.CorrelationID)
		if err != nil {
			return nil, sync.ActionRepeat, sync.Transient("correlation lookup", err)
		}
		if rec != nil {
			if rec.Fingerprint == fp && !rec.Deleted {
				return rec, sync.ActionNone, nil
			}
			return rec, sync.ActionUpdate, nil
		}
	} else if a.opts.DedupeByFingerprint {
		rec, err := a.records.FindByFingerprint(ctx, item.MailboxID, fp, anchorDate(item), a.opts.FingerprintWindow)
		if err != nil {
			return nil, sync.ActionRepeat, sync.Transient("fingerprint lookup", err)
		}
		if rec != nil {
			// Same content under a different backend id: already
			// imported, skip rather than duplicate.
			a.logger.Debug("fingerprint match suppressed duplicate",
				"item", item.ID, "record", rec.ID)
			return rec, sync.ActionNone, nil
		}
	}

	return nil, sync.ActionCreate, nil
}

// Lock takes the session-scoped advisory lock.
func (a *Adapter) Lock(ctx context.Context, recordID, sessionID string) (bool, error) {
	ok, err := a.records.AcquireLock(ctx, recordID, sessionID)
	if err != nil {
		return false, sync.Transient("acquiring lock", err)
	}
	return ok, nil
}

// Unlock releases the advisory lock.
func (a *Adapter) Unlock(ctx context.Context, recordID, sessionID string) error {
	return a.records.ReleaseLock(ctx, recordID, sessionID)
}

// FindByRemoteID returns the record previously imported for a backend
// id, nil when unknown.
func (a *Adapter) FindByRemoteID(ctx context.Context, mailboxID, remoteID string) (*model.LocalRecord, error) {
	rec, err := a.records.GetByRemoteID(ctx, mailboxID, remoteID)
	if err != nil {
		return nil, sync.Transient("remote id lookup", err)
	}
	return rec, nil
}

// Apply performs the local mutation for one envelope. The checkpoint
// may not have advanced after a prior partial failure, so every branch
// tolerates being replayed with the same envelope.
func (a *Adapter) Apply(ctx context.Context, env *sync.Envelope) error {
	item := env.Remote

	switch env.Action {
	case sync.ActionCreate:
		// A replayed create may race its own earlier half-applied run;
		// re-resolve so the second pass degrades to an update.
		if item.CorrelationID != "" {
			existing, err := a.records.GetByCorrelation(ctx, item.MailboxID, item.CorrelationID)
			if err != nil {
				return sync.Transient("create replay check", err)
			}
			if existing != nil {
				env.Local = existing
				return a.applyUpdate(ctx, env)
			}
		} else if a.opts.DedupeByFingerprint {
			fp := itemFingerprint(item)
			existing, err := a.records.FindByFingerprint(ctx, item.MailboxID, fp, anchorDate(item), a.opts.FingerprintWindow)
			if err != nil {
				return sync.Transient("create replay check", err)
			}
			if existing != nil {
				env.Local = existing
				return nil
			}
		}

		rec := &model.LocalRecord{
			ID:        uuid.NewString(),
			MailboxID: item.MailboxID,
		}
		copyItem(rec, item)
		if err := a.records.Insert(ctx, rec); err != nil {
			return sync.Transient("inserting record", err)
		}
		env.Local = rec
		return nil

	case sync.ActionUpdate:
		return a.applyUpdate(ctx, env)

	case sync.ActionDelete:
		if env.Local == nil {
			return nil
		}
		if err := a.records.MarkDeleted(ctx, env.Local.ID); err != nil {
			return sync.Transient("deleting record", err)
		}
		return nil

	case sync.ActionNone:
		return nil

	default:
		return sync.Fatal(fmt.Sprintf("unexpected action %s", env.Action), nil)
	}
}

func (a *Adapter) applyUpdate(ctx context.Context, env *sync.Envelope) error {
	if env.Local == nil {
		return sync.Fatal("update without a resolved record", nil)
	}
	copyItem(env.Local, env.Remote)
	env.Local.Deleted = false
	if err := a.records.Update(ctx, env.Local); err != nil {
		return sync.Transient("updating record", err)
	}
	return nil
}

// copyItem writes the synchronized fields of a remote item onto a
// local record and refreshes the stored fingerprint.
func copyItem(rec *model.LocalRecord, item sync.RemoteItem) {
	rec.Kind = item.Kind
	rec.CorrelationID = item.CorrelationID
	rec.RemoteID = item.ID
	rec.Title = item.Title
	rec.Body = item.Body
	rec.StartAt = item.Start.UTC()
	rec.DueAt = item.Due.UTC()
	rec.Priority = item.Priority
	rec.Status = item.Status
	rec.TimeZone = item.TimeZone
	rec.Fingerprint = itemFingerprint(item)
	if rec.OwnerID == "" {
		rec.OwnerID = item.OwnerID
	}
}
