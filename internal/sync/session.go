package sync

import (
	"time"

	"github.com/google/uuid"

	"github.com/orbitmail/syncd/internal/model"
)

// Session owns the checkpoint for one synchronization run of one
// mailbox and item kind. It accumulates per-envelope failures without
// aborting the batch and decides checkpoint advancement at the end.
type Session struct {
	ID      string
	Mailbox *model.Mailbox
	Kind    model.ItemKind

	// Since is the starting checkpoint the session was opened with.
	Since     time.Time
	StartedAt time.Time

	// NeedsRerun is set when any envelope deferred; the mailbox should
	// be synchronized again rather than waiting for the next change.
	NeedsRerun bool

	Created int
	Updated int
	Deleted int
	Skipped int

	errs []error

	// seen holds correlation ids already offered during this run.
	// Pages of a mutable remote collection may overlap, so the session
	// dedups a second time regardless of what the provider filtered.
	seen map[string]bool

	deferred int
}

// NewSession opens a session at the given checkpoint.
func NewSession(mb *model.Mailbox, kind model.ItemKind, since time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Mailbox:   mb,
		Kind:      kind,
		Since:     since,
		StartedAt: time.Now().UTC(),
		seen:      make(map[string]bool),
	}
}

// MarkSeen records a correlation id for this run and reports whether
// it was already offered (a stale page overlap).
func (s *Session) MarkSeen(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	if s.seen[correlationID] {
		return true
	}
	s.seen[correlationID] = true
	return false
}

// Defer records an envelope that did not commit.
func (s *Session) Defer(err error) {
	s.deferred++
	s.NeedsRerun = true
	if err != nil {
		s.errs = append(s.errs, err)
	}
}

// Errs returns the failures aggregated over the run.
func (s *Session) Errs() []error { return s.errs }

// NewCheckpoint computes the checkpoint to persist after the batch has
// been walked. Policy: the checkpoint does not advance at all while
// any envelope of the batch remains uncommitted, so a deferred item is
// re-offered on every run until it succeeds or is manually resolved.
// A clean batch advances to the session start time; items modified
// during the run fall into the next window.
func (s *Session) NewCheckpoint() time.Time {
	if s.deferred > 0 {
		return s.Since
	}
	return s.StartedAt
}
