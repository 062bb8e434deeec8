package failover

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmail/syncd/internal/listener"
	"github.com/orbitmail/syncd/internal/model"
)

type fakeLister struct {
	boxes []*model.Mailbox
	err   error
}

func (l *fakeLister) ListSyncEnabled(ctx context.Context) ([]*model.Mailbox, error) {
	return l.boxes, l.err
}

type fakeSubs struct {
	states map[string]model.SubscriptionState
	err    error

	mu        gosync.Mutex
	recreated []string
}

func (s *fakeSubs) GetHealth(ctx context.Context, mailboxIDs []string) (map[string]model.SubscriptionState, error) {
	return s.states, s.err
}

func (s *fakeSubs) Recreate(ctx context.Context, mb *model.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recreated = append(s.recreated, mb.ID)
	return nil
}

func (s *fakeSubs) recreatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recreated...)
}

type recoveryRecorder struct {
	mu    gosync.Mutex
	calls map[string]time.Time
}

func newRecoveryRecorder() *recoveryRecorder {
	return &recoveryRecorder{calls: make(map[string]time.Time)}
}

func (r *recoveryRecorder) fn(ctx context.Context, mb *model.Mailbox, since time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[mb.ID] = since
	return nil
}

func (r *recoveryRecorder) recovered() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.calls))
	for k, v := range r.calls {
		out[k] = v
	}
	return out
}

func mailbox(id string) *model.Mailbox {
	return &model.Mailbox{
		ID:          id,
		Sender:      id + "@example.com",
		Backend:     model.BackendGraph,
		OwnerID:     "owner-1",
		SyncEnabled: true,
	}
}

func TestPassRecoversOnlyUnhealthy(t *testing.T) {
	ctx := context.Background()
	subs := &fakeSubs{states: map[string]model.SubscriptionState{
		"mb-healthy": model.SubscriptionExists,
		"mb-broken":  model.SubscriptionMissing,
	}}
	rec := newRecoveryRecorder()
	sched := NewScheduler(ctx, 2, nil)
	c := NewController(&fakeLister{boxes: []*model.Mailbox{mailbox("mb-healthy"), mailbox("mb-broken")}},
		subs, sched, rec.fn, nil)

	require.NoError(t, c.Pass(ctx))
	sched.Wait()

	recovered := rec.recovered()
	assert.Len(t, recovered, 1)
	assert.Contains(t, recovered, "mb-broken")
	assert.Equal(t, []string{"mb-broken"}, subs.recreatedIDs())
}

func TestPassServiceUnavailableTreatsAllAsCandidates(t *testing.T) {
	ctx := context.Background()
	subs := &fakeSubs{
		states: map[string]model.SubscriptionState{
			"mb-1": model.SubscriptionUnknown,
			"mb-2": model.SubscriptionUnknown,
		},
		err: listener.ErrServiceUnavailable,
	}
	rec := newRecoveryRecorder()
	sched := NewScheduler(ctx, 2, nil)
	c := NewController(&fakeLister{boxes: []*model.Mailbox{mailbox("mb-1"), mailbox("mb-2")}},
		subs, sched, rec.fn, nil)

	require.NoError(t, c.Pass(ctx))
	sched.Wait()

	recovered := rec.recovered()
	assert.Len(t, recovered, 2, "with the listener down nothing can be pruned")
}

func TestPassOtherHealthErrorAborts(t *testing.T) {
	ctx := context.Background()
	subs := &fakeSubs{err: errors.New("health query malformed")}
	rec := newRecoveryRecorder()
	sched := NewScheduler(ctx, 2, nil)
	c := NewController(&fakeLister{boxes: []*model.Mailbox{mailbox("mb-1")}},
		subs, sched, rec.fn, nil)

	require.Error(t, c.Pass(ctx))
	sched.Wait()
	assert.Empty(t, rec.recovered())
}

func TestPassSkipsMailboxWithPendingJob(t *testing.T) {
	ctx := context.Background()
	subs := &fakeSubs{states: map[string]model.SubscriptionState{
		"mb-1": model.SubscriptionMissing,
		"mb-2": model.SubscriptionMissing,
	}}
	rec := newRecoveryRecorder()
	sched := NewScheduler(ctx, 4, nil)
	c := NewController(&fakeLister{boxes: []*model.Mailbox{mailbox("mb-1"), mailbox("mb-2")}},
		subs, sched, rec.fn, nil)

	release := make(chan struct{})
	ok := sched.Schedule(Job{
		MailboxID: "mb-1",
		Group:     JobGroup,
		Run:       func(ctx context.Context) { <-release },
	})
	require.True(t, ok)

	require.NoError(t, c.Pass(ctx))
	close(release)
	sched.Wait()

	recovered := rec.recovered()
	assert.NotContains(t, recovered, "mb-1", "in-flight recovery is not doubled")
	assert.Contains(t, recovered, "mb-2")
}

func TestRecoveryCheckpointRespectsHorizonAndOffset(t *testing.T) {
	ctx := context.Background()
	subs := &fakeSubs{states: map[string]model.SubscriptionState{
		"mb-recent": model.SubscriptionMissing,
		"mb-stale":  model.SubscriptionMissing,
	}}
	rec := newRecoveryRecorder()
	sched := NewScheduler(ctx, 2, nil)

	recent := mailbox("mb-recent")
	recent.LastGoodSync = time.Now().Add(-2 * time.Hour)
	stale := mailbox("mb-stale")
	stale.LastGoodSync = time.Now().Add(-90 * 24 * time.Hour)

	c := NewController(&fakeLister{boxes: []*model.Mailbox{recent, stale}}, subs, sched, rec.fn, nil)
	c.Horizon = 24 * time.Hour
	c.SafetyOffset = 30 * time.Minute

	require.NoError(t, c.Pass(ctx))
	sched.Wait()

	recovered := rec.recovered()
	require.Len(t, recovered, 2)
	assert.WithinDuration(t, recent.LastGoodSync.Add(-30*time.Minute), recovered["mb-recent"], time.Minute,
		"recent mailbox catches up from last good sync minus the offset")
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour-30*time.Minute), recovered["mb-stale"], time.Minute,
		"stale mailbox is floored at the import horizon")
}
