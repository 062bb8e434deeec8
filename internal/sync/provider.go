package sync

import (
	"context"
	"time"

	"github.com/orbitmail/syncd/internal/model"
)

// RemoteItem is a normalized view of one backend-native record
// (event/task/mail) as the engine needs to see it.
type RemoteItem struct {
	Backend model.BackendKind
	Kind    model.ItemKind

	// MailboxID and OwnerID identify the mailbox the item was
	// enumerated for; providers stamp them on every item.
	MailboxID string
	OwnerID   string

	// ID is the backend-native identifier.
	ID string

	// CorrelationID is the external correlation marker (iCalUID,
	// Message-Id equivalent) shared by both stores. Empty when the
	// backend item was never round-tripped through this system.
	CorrelationID string

	FolderID string

	Title    string
	Body     string
	Start    time.Time
	Due      time.Time
	Priority model.Priority
	Status   model.ItemStatus
	TimeZone string

	// Modified is the backend's last-modified timestamp, used in
	// filter queries and checkpoint math.
	Modified time.Time
}

// ChangeFilter describes one enumeration window. Both bounds apply
// additively: Since is the incremental cursor, Horizon the configured
// import floor below which items are never imported.
type ChangeFilter struct {
	Since   time.Time
	Horizon time.Time

	// Folders restricts enumeration when the mailbox is scoped to
	// selected folders; empty means all folders. A folder id that no
	// longer resolves remotely is skipped, not fatal.
	Folders []string

	PageSize int
}

// Floor returns the effective lower bound of the window.
func (f ChangeFilter) Floor() time.Time {
	if f.Since.After(f.Horizon) {
		return f.Since
	}
	return f.Horizon
}

// RemoteProvider adapts one mailbox backend for the sync engine.
//
// EnumerateChanges must be finite per call and restartable from the
// same filter on failure; aborting mid-enumeration has no side
// effects. The set of items offered is the union of "modified at or
// after the floor" and "carries no correlation marker yet" (the latter
// catches items pushed upstream by a local export, which a pure
// modified-after filter would skip forever).
type RemoteProvider interface {
	EnumerateChanges(ctx context.Context, filter ChangeFilter, fn func(RemoteItem) error) error

	// LoadItem fetches a single item for a push-triggered targeted
	// load. A backend reporting the id as gone returns a NotFound
	// fault: that is logical deletion, not an error.
	LoadItem(ctx context.Context, id string) (*RemoteItem, error)

	// CommitChanges flushes any backend-side bookkeeping. Called once
	// per session, after every envelope has been walked.
	CommitChanges(ctx context.Context) error
}
