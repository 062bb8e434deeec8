// Package sync implements the mailbox synchronization engine: it pulls
// changed items from a remote provider, routes each through the local
// store adapter, and commits checkpoint advancement only after the
// whole batch has been walked.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbitmail/syncd/internal/model"
)

// LocalStore is the local side of the engine: resolution, advisory
// locking and idempotent application of envelopes.
type LocalStore interface {
	// Resolve matches a remote item against local records: first by
	// correlation id, then (when enabled) by content fingerprint, and
	// decides the action. It never mutates anything.
	Resolve(ctx context.Context, item RemoteItem) (*model.LocalRecord, Action, error)

	// Lock takes the advisory per-record lock for this session. A
	// false return means another run holds it; the caller resolves the
	// envelope to Repeat instead of proceeding.
	Lock(ctx context.Context, recordID, sessionID string) (bool, error)

	// Unlock releases the advisory lock. Called on every exit path; a
	// time-boxed expiry backs it up if this call itself fails.
	Unlock(ctx context.Context, recordID, sessionID string) error

	// Apply performs the local mutation for the envelope. Safe to call
	// twice with the same envelope: the checkpoint may not have
	// advanced after a prior partial failure.
	Apply(ctx context.Context, env *Envelope) error

	// FindByRemoteID looks up the local record previously imported for
	// a backend-native id, for the targeted-delete path.
	FindByRemoteID(ctx context.Context, mailboxID, remoteID string) (*model.LocalRecord, error)
}

// Checkpoints persists the per-mailbox, per-kind watermark.
type Checkpoints interface {
	Load(ctx context.Context, mailboxID string, kind model.ItemKind) (time.Time, error)
	Save(ctx context.Context, mailboxID string, kind model.ItemKind, at time.Time) error
}

// MailboxStatus records operator-facing error state on the mailbox row.
type MailboxStatus interface {
	SetError(ctx context.Context, mailboxID, code, message string) error
	ClearError(ctx context.Context, mailboxID string, lastGoodSync time.Time) error
}

// StatusNotifier pushes human-readable progress lines to an
// interactively connected session. Best effort; failures are ignored.
type StatusNotifier interface {
	Status(ctx context.Context, ownerID, line string)
}

// nopNotifier drops status lines when no notifier is wired.
type nopNotifier struct{}

func (nopNotifier) Status(context.Context, string, string) {}

// Engine drives synchronization sessions. Collaborators are injected;
// nothing is resolved internally, so tests substitute in-memory fakes.
type Engine struct {
	local       LocalStore
	checkpoints Checkpoints
	boxes       MailboxStatus
	notifier    StatusNotifier
	logger      *slog.Logger

	// Horizon is the import floor: items older than now-horizon are
	// never imported, even on first sync.
	Horizon  time.Duration
	PageSize int
}

// NewEngine creates an engine with the given collaborators. notifier
// may be nil.
func NewEngine(local LocalStore, cps Checkpoints, boxes MailboxStatus, notifier StatusNotifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		local:       local,
		checkpoints: cps,
		boxes:       boxes,
		notifier:    notifier,
		logger:      logger,
		Horizon:     30 * 24 * time.Hour,
		PageSize:    100,
	}
}

// OpenSession loads the stored checkpoint and opens a session for one
// mailbox and item kind. since overrides the stored checkpoint when
// non-zero (the failover catch-up path).
func (e *Engine) OpenSession(ctx context.Context, mb *model.Mailbox, kind model.ItemKind, since time.Time) (*Session, error) {
	if since.IsZero() {
		cp, err := e.checkpoints.Load(ctx, mb.ID, kind)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint for %s/%s: %w", mb.ID, kind, err)
		}
		since = cp
	}
	return NewSession(mb, kind, since), nil
}

// RunSession walks one enumeration window. Per-envelope failures are
// aggregated on the session; only a failure to enumerate at all
// surfaces as the returned error, and even that is absorbed as
// NeedsRerun when transient.
func (e *Engine) RunSession(ctx context.Context, provider RemoteProvider, sess *Session) error {
	mb := sess.Mailbox
	if !mb.ImportEnabled {
		e.logger.Info("import disabled, skipping sync", "mailbox", mb.ID, "kind", sess.Kind)
		return nil
	}
	filter := ChangeFilter{
		Since:    sess.Since,
		Horizon:  sess.StartedAt.Add(-e.Horizon),
		PageSize: e.PageSize,
	}
	if mb.Scope == model.ScopeSelectedFolders {
		filter.Folders = mb.FolderIDs
	}

	e.logger.Info("sync session start",
		"mailbox", mb.ID, "kind", sess.Kind, "since", filter.Floor())
	e.notifier.Status(ctx, mb.OwnerID,
		fmt.Sprintf("synchronizing %s (%s) since %s", mb.Sender, sess.Kind, filter.Floor().Format(time.RFC3339)))

	enumErr := provider.EnumerateChanges(ctx, filter, func(item RemoteItem) error {
		e.processItem(ctx, sess, item)
		return ctx.Err()
	})
	if enumErr != nil {
		switch ClassOf(enumErr) {
		case FaultFatal:
			e.failMailbox(ctx, mb, "SYNC_CONFIG", enumErr)
			return enumErr
		default:
			// Restartable: the checkpoint stays put and the same
			// window is re-derived next run.
			e.logger.Warn("enumeration aborted", "mailbox", mb.ID, "error", enumErr)
			sess.Defer(enumErr)
		}
	}

	if err := provider.CommitChanges(ctx); err != nil {
		// Non-fatal: the checkpoint simply does not advance and the
		// idempotent apply path absorbs the replay.
		e.logger.Warn("backend commit failed", "mailbox", mb.ID, "error", err)
	}

	cp := sess.NewCheckpoint()
	if err := e.checkpoints.Save(ctx, mb.ID, sess.Kind, cp); err != nil {
		e.logger.Warn("checkpoint save failed", "mailbox", mb.ID, "error", err)
	}

	if errs := sess.Errs(); len(errs) > 0 {
		e.notifier.Status(ctx, mb.OwnerID,
			fmt.Sprintf("sync of %s finished with %d deferred items", mb.Sender, len(errs)))
		for _, err := range errs {
			e.logger.Warn("deferred item", "mailbox", mb.ID, "error", err)
		}
	} else {
		if err := e.boxes.ClearError(ctx, mb.ID, sess.StartedAt); err != nil {
			e.logger.Warn("clearing mailbox error state", "mailbox", mb.ID, "error", err)
		}
		e.notifier.Status(ctx, mb.OwnerID,
			fmt.Sprintf("sync of %s complete: %d created, %d updated, %d deleted, %d unchanged",
				mb.Sender, sess.Created, sess.Updated, sess.Deleted, sess.Skipped))
	}

	e.logger.Info("sync session done",
		"mailbox", mb.ID, "kind", sess.Kind,
		"created", sess.Created, "updated", sess.Updated,
		"deleted", sess.Deleted, "skipped", sess.Skipped,
		"needs_rerun", sess.NeedsRerun, "checkpoint", cp)
	return nil
}

// processItem routes a single remote item through resolve → lock →
// apply. One bad item never blocks the rest of the batch.
func (e *Engine) processItem(ctx context.Context, sess *Session, item RemoteItem) {
	if sess.MarkSeen(item.CorrelationID) {
		// Overlapping page offered the item twice within this run.
		return
	}

	env := &Envelope{Remote: item, Direction: DirectionDownload}

	rec, action, err := e.local.Resolve(ctx, item)
	if err != nil {
		e.deferEnvelope(sess, env, fmt.Errorf("resolving %s: %w", item.ID, err))
		return
	}
	env.Local = rec
	env.Action = action

	if action == ActionNone {
		env.State = EnvelopeCommitted
		sess.Skipped++
		return
	}

	if rec != nil {
		locked, err := e.local.Lock(ctx, rec.ID, sess.ID)
		if err != nil {
			e.deferEnvelope(sess, env, fmt.Errorf("locking %s: %w", rec.ID, err))
			return
		}
		if !locked {
			// Held by a concurrent run; never overwrite mid-flight.
			e.deferEnvelope(sess, env, Transient("record locked by concurrent run", nil))
			return
		}
		defer func() {
			if err := e.local.Unlock(ctx, rec.ID, sess.ID); err != nil {
				// The TTL on the lock row reclaims it eventually.
				e.logger.Warn("unlock failed", "record", rec.ID, "error", err)
			}
		}()
	}

	if err := e.local.Apply(ctx, env); err != nil {
		if IsFatal(err) {
			env.State = EnvelopeDeferred
			env.Err = err
			sess.Defer(err)
			e.logger.Error("apply failed",
				"mailbox", sess.Mailbox.ID, "item", item.ID,
				"action", env.Action, "error", err)
			return
		}
		e.deferEnvelope(sess, env, fmt.Errorf("applying %s to %s: %w", env.Action, item.ID, err))
		return
	}

	env.State = EnvelopeCommitted
	switch action {
	case ActionCreate:
		sess.Created++
	case ActionUpdate:
		sess.Updated++
	case ActionDelete:
		sess.Deleted++
	}
}

func (e *Engine) deferEnvelope(sess *Session, env *Envelope, err error) {
	env.Action = ActionRepeat
	env.State = EnvelopeDeferred
	env.Err = err
	sess.Defer(err)
	e.logger.Debug("envelope deferred",
		"mailbox", sess.Mailbox.ID, "item", env.Remote.ID, "error", err)
}

// ApplyNotification handles one push notification: a targeted load of
// the changed item followed by the regular apply path. A backend
// answering "gone" resolves to deletion of the known local record.
func (e *Engine) ApplyNotification(ctx context.Context, provider RemoteProvider, mb *model.Mailbox, kind model.ItemKind, itemID string) error {
	if !mb.ImportEnabled {
		e.logger.Debug("import disabled, dropping notification", "mailbox", mb.ID, "item", itemID)
		return nil
	}
	sess := NewSession(mb, kind, time.Time{})

	item, err := provider.LoadItem(ctx, itemID)
	if err != nil {
		if !IsNotFound(err) {
			return fmt.Errorf("loading %s: %w", itemID, err)
		}
		rec, findErr := e.local.FindByRemoteID(ctx, mb.ID, itemID)
		if findErr != nil {
			return fmt.Errorf("looking up local record for %s: %w", itemID, findErr)
		}
		if rec == nil {
			// Never imported; nothing to delete.
			return nil
		}
		env := &Envelope{
			Remote:    RemoteItem{Backend: mb.Backend, Kind: kind, ID: itemID},
			Local:     rec,
			Action:    ActionDelete,
			Direction: DirectionDownload,
		}
		locked, err := e.local.Lock(ctx, rec.ID, sess.ID)
		if err != nil || !locked {
			return Transient("record locked during targeted delete", err)
		}
		defer func() { _ = e.local.Unlock(ctx, rec.ID, sess.ID) }()
		if err := e.local.Apply(ctx, env); err != nil {
			return fmt.Errorf("deleting %s: %w", rec.ID, err)
		}
		e.logger.Info("targeted delete", "mailbox", mb.ID, "item", itemID)
		return nil
	}

	e.processItem(ctx, sess, *item)
	if sess.NeedsRerun {
		errs := sess.Errs()
		if len(errs) > 0 {
			return errs[0]
		}
		return Transient("notification apply deferred", nil)
	}
	return nil
}

func (e *Engine) failMailbox(ctx context.Context, mb *model.Mailbox, code string, err error) {
	if serr := e.boxes.SetError(ctx, mb.ID, code, err.Error()); serr != nil {
		e.logger.Warn("recording mailbox error state", "mailbox", mb.ID, "error", serr)
	}
	e.notifier.Status(ctx, mb.OwnerID, fmt.Sprintf("sync of %s failed: %v", mb.Sender, err))
	e.logger.Error("mailbox sync failed", "mailbox", mb.ID, "code", code, "error", err)
}
