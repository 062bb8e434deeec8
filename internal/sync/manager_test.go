package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmail/syncd/internal/model"
)

// blockingProvider parks enumeration until released, to hold a run
// in flight during the test.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) EnumerateChanges(ctx context.Context, filter ChangeFilter, fn func(RemoteItem) error) error {
	close(p.started)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingProvider) LoadItem(ctx context.Context, id string) (*RemoteItem, error) {
	return nil, NotFound("gone")
}

func (p *blockingProvider) CommitChanges(ctx context.Context) error { return nil }

func TestStartSyncRejectsSecondRun(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	provider := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	manager := NewManager(engine, func(ctx context.Context, mb *model.Mailbox) (RemoteProvider, error) {
		return provider, nil
	}, nil)

	mb := testMailbox()
	require.NoError(t, manager.StartSync(ctx, mb, model.KindEvent, time.Time{}))
	<-provider.started

	assert.True(t, manager.IsRunning(mb.ID, model.KindEvent))
	err := manager.StartSync(ctx, mb, model.KindEvent, time.Time{})
	assert.Error(t, err, "one run per mailbox and kind")

	// A different kind for the same mailbox is its own slot.
	assert.False(t, manager.IsRunning(mb.ID, model.KindTask))

	close(provider.release)
	require.Eventually(t, func() bool {
		return !manager.IsRunning(mb.ID, model.KindEvent)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunSyncFactoryFailureMarksMailbox(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	manager := NewManager(engine, func(ctx context.Context, mb *model.Mailbox) (RemoteProvider, error) {
		return nil, Fatal("credential not connected", errors.New("404"))
	}, nil)

	err := manager.RunSync(ctx, testMailbox(), model.KindEvent, time.Time{})
	require.Error(t, err)
	assert.Equal(t, "SYNC_SETUP", boxes.errCode)
}

func TestStopAllCancelsRuns(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	provider := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	manager := NewManager(engine, func(ctx context.Context, mb *model.Mailbox) (RemoteProvider, error) {
		return provider, nil
	}, nil)

	mb := testMailbox()
	require.NoError(t, manager.StartSync(ctx, mb, model.KindEvent, time.Time{}))
	<-provider.started

	manager.StopAll()
	require.Eventually(t, func() bool {
		return !manager.IsRunning(mb.ID, model.KindEvent)
	}, 2*time.Second, 10*time.Millisecond)
}
