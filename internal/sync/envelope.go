package sync

import "github.com/orbitmail/syncd/internal/model"

// Action is what the engine resolved for one envelope. It is decided
// exactly once per envelope per pass.
type Action int

const (
	ActionNone Action = iota
	ActionCreate
	ActionUpdate
	ActionDelete

	// ActionRepeat means the item could not be resolved in this run
	// (lock contention, transient backend failure) and must be offered
	// again in a future run. A Repeat envelope never advances the
	// checkpoint.
	ActionRepeat
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionRepeat:
		return "repeat"
	default:
		return "none"
	}
}

// Direction is the flow of one envelope.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
	DirectionBoth
)

// EnvelopeState tracks one envelope through the session.
type EnvelopeState int

const (
	EnvelopePending EnvelopeState = iota
	EnvelopeCommitted
	EnvelopeDeferred
)

// Envelope pairs one remote item with its resolved local counterpart
// and the action to apply.
type Envelope struct {
	Remote    RemoteItem
	Local     *model.LocalRecord // nil until resolved, or when none exists yet
	Action    Action
	Direction Direction
	State     EnvelopeState
	Err       error
}

// Committed reports whether the envelope finished this run.
func (e *Envelope) Committed() bool { return e.State == EnvelopeCommitted }
