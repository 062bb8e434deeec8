// Package model holds the persistent domain types shared across the
// synchronization subsystem.
package model

import "time"

// BackendKind identifies the remote mailbox backend type.
type BackendKind string

const (
	BackendGraph BackendKind = "GRAPH"
	BackendGCal  BackendKind = "GCAL"
	BackendIMAP  BackendKind = "IMAP"
)

// ItemKind identifies what kind of items a sync session moves.
type ItemKind string

const (
	KindEvent ItemKind = "event"
	KindTask  ItemKind = "task"
	KindMail  ItemKind = "mail"
)

// SyncScope controls which remote folders a mailbox synchronizes.
type SyncScope string

const (
	ScopeAllFolders      SyncScope = "all"
	ScopeSelectedFolders SyncScope = "selected"
)

// Priority is the normalized priority class of a synchronized item.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ItemStatus is the normalized status class of a synchronized item.
type ItemStatus string

const (
	StatusOpen       ItemStatus = "open"
	StatusInProgress ItemStatus = "in_progress"
	StatusDone       ItemStatus = "done"
	StatusCancelled  ItemStatus = "cancelled"
)

// Mailbox is a configured remote account. The engine only mutates the
// checkpoint and error-state fields; everything else is administrative
// configuration. Mailboxes are soft-disabled via SyncEnabled, never
// hard-deleted by the engine.
type Mailbox struct {
	ID            string      `db:"id"`
	Sender        string      `db:"sender"`
	CredentialRef string      `db:"credential_ref"`
	Backend       BackendKind `db:"backend"`
	OwnerID       string      `db:"owner_id"`
	Shared        bool        `db:"shared"`

	SyncEnabled   bool      `db:"sync_enabled"`
	ImportEnabled bool      `db:"import_enabled"`
	ExportEnabled bool      `db:"export_enabled"`
	Scope         SyncScope `db:"scope"`
	FolderIDs     []string  `db:"-"`
	FolderIDsJSON string    `db:"folder_ids"`

	LastGoodSync time.Time `db:"last_good_sync"`
	ErrorCode    string    `db:"error_code"`
	ErrorMessage string    `db:"error_message"`
	RetryCount   int       `db:"retry_count"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// ConfigValid reports whether the mailbox carries enough configuration
// to talk to its backend at all. An invalid configuration is fatal for
// that mailbox only; it never aborts a whole controller pass.
func (m *Mailbox) ConfigValid() bool {
	return m.Sender != "" && m.CredentialRef != "" && m.Backend != ""
}

// LocalRecord is the local counterpart of one remote item.
type LocalRecord struct {
	ID            string     `db:"id"`
	MailboxID     string     `db:"mailbox_id"`
	OwnerID       string     `db:"owner_id"`
	Kind          ItemKind   `db:"kind"`
	CorrelationID string     `db:"correlation_id"`
	RemoteID      string     `db:"remote_id"`
	Title         string     `db:"title"`
	Body          string     `db:"body"`
	StartAt       time.Time  `db:"start_at"`
	DueAt         time.Time  `db:"due_at"`
	Priority      Priority   `db:"priority"`
	Status        ItemStatus `db:"status"`
	TimeZone      string     `db:"timezone"`
	Fingerprint   string     `db:"fingerprint"`
	Deleted       bool       `db:"deleted"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// SubscriptionState is the transient health signal for one mailbox's
// push subscription. It is always re-derived from the listener service,
// never persisted authoritatively.
type SubscriptionState int

const (
	// SubscriptionMissing means the listener service answered and knows
	// no subscription for the mailbox.
	SubscriptionMissing SubscriptionState = iota
	// SubscriptionExists means a healthy subscription is registered.
	SubscriptionExists
	// SubscriptionUnknown means the listener service itself was
	// unreachable. Callers must not treat this as "needs recreation".
	SubscriptionUnknown
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionMissing:
		return "missing"
	case SubscriptionExists:
		return "exists"
	default:
		return "unknown"
	}
}
