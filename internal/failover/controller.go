// Package failover audits push-subscription health on a fixed interval
// and self-heals: mailboxes without a live subscription get a one-shot
// recovery job that re-subscribes and runs a catch-up sync.
package failover

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/orbitmail/syncd/internal/listener"
	"github.com/orbitmail/syncd/internal/model"
)

// JobGroup names the scheduler group recovery jobs are deduped in.
const JobGroup = "listener-recovery"

// MailboxLister loads the mailboxes with synchronization enabled.
type MailboxLister interface {
	ListSyncEnabled(ctx context.Context) ([]*model.Mailbox, error)
}

// Subscriptions is the slice of the listener manager the controller
// needs.
type Subscriptions interface {
	GetHealth(ctx context.Context, mailboxIDs []string) (map[string]model.SubscriptionState, error)
	Recreate(ctx context.Context, mb *model.Mailbox) error
}

// RecoveryFunc runs the catch-up sync for one mailbox from the given
// starting checkpoint.
type RecoveryFunc func(ctx context.Context, mb *model.Mailbox, since time.Time) error

// Controller is the periodic audit loop.
type Controller struct {
	boxes  MailboxLister
	subs   Subscriptions
	sched  *Scheduler
	logger *slog.Logger

	recover RecoveryFunc

	// Interval between passes; zero or negative disables the loop
	// entirely (it self-unschedules on Run).
	Interval time.Duration

	// Horizon mirrors the engine's import floor; a recovered mailbox
	// never catches up from before it.
	Horizon time.Duration

	// SafetyOffset is subtracted from the catch-up start to tolerate
	// clock skew between failure detection and the last good sync.
	SafetyOffset time.Duration
}

// NewController wires the audit loop.
func NewController(boxes MailboxLister, subs Subscriptions, sched *Scheduler, recover RecoveryFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		boxes:        boxes,
		subs:         subs,
		sched:        sched,
		recover:      recover,
		logger:       logger,
		Interval:     5 * time.Minute,
		Horizon:      30 * 24 * time.Hour,
		SafetyOffset: 5 * time.Minute,
	}
}

// Run executes passes on the configured interval until ctx is done.
// Interval <= 0 disables the controller and returns immediately.
func (c *Controller) Run(ctx context.Context) {
	if c.Interval <= 0 {
		c.logger.Info("failover controller disabled")
		return
	}

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("failover controller stopping")
			return
		case <-ticker.C:
			if err := c.Pass(ctx); err != nil {
				c.logger.Error("failover pass failed", "error", err)
			}
		}
	}
}

// Pass performs one audit: load enabled mailboxes, prune the ones with
// a healthy subscription, and schedule a recovery job for the rest.
func (c *Controller) Pass(ctx context.Context) error {
	boxes, err := c.boxes.ListSyncEnabled(ctx)
	if err != nil {
		return err
	}
	if len(boxes) == 0 {
		return nil
	}

	ids := make([]string, 0, len(boxes))
	byID := make(map[string]*model.Mailbox, len(boxes))
	for _, mb := range boxes {
		ids = append(ids, mb.ID)
		byID[mb.ID] = mb
	}

	candidates := boxes
	states, err := c.subs.GetHealth(ctx, ids)
	switch {
	case errors.Is(err, listener.ErrServiceUnavailable):
		// No pruning: with the listener service down we cannot tell
		// healthy from broken, so every enabled mailbox is a
		// candidate. Extra recovery work beats missed recovery.
		c.logger.Warn("listener service unreachable, treating all mailboxes as candidates",
			"mailboxes", len(boxes))
	case err != nil:
		return err
	default:
		candidates = candidates[:0]
		for id, state := range states {
			if state != model.SubscriptionExists {
				candidates = append(candidates, byID[id])
			}
		}
	}

	scheduled := 0
	for _, mb := range candidates {
		if c.sched.IsPending(JobGroup, mb.ID) {
			continue
		}
		mb := mb
		ok := c.sched.Schedule(Job{
			MailboxID: mb.ID,
			Group:     JobGroup,
			OwnerID:   mb.OwnerID,
			Run: func(jobCtx context.Context) {
				c.recoverMailbox(jobCtx, mb)
			},
		})
		if ok {
			scheduled++
		}
	}

	if scheduled > 0 {
		c.logger.Info("failover pass scheduled recovery",
			"candidates", len(candidates), "scheduled", scheduled)
	}
	return nil
}

// recoverMailbox re-subscribes and starts a catch-up sync from
// max(last good sync, import horizon) minus the safety offset.
func (c *Controller) recoverMailbox(ctx context.Context, mb *model.Mailbox) {
	if err := c.subs.Recreate(ctx, mb); err != nil {
		c.logger.Warn("resubscribe failed", "mailbox", mb.ID, "error", err)
		// Still run the catch-up: missed notifications are recovered
		// by polling even without a fresh subscription.
	}

	since := mb.LastGoodSync
	if floor := time.Now().Add(-c.Horizon); since.Before(floor) {
		since = floor
	}
	since = since.Add(-c.SafetyOffset)

	if err := c.recover(ctx, mb, since); err != nil {
		c.logger.Error("catch-up sync failed", "mailbox", mb.ID, "error", err)
		return
	}
	c.logger.Info("mailbox recovered", "mailbox", mb.ID, "since", since)
}
