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

type fakeProvider struct {
	items   []RemoteItem
	enumErr error
	loaded  map[string]RemoteItem
	commits int
}

func (p *fakeProvider) EnumerateChanges(ctx context.Context, filter ChangeFilter, fn func(RemoteItem) error) error {
	for _, it := range p.items {
		if err := fn(it); err != nil {
			return err
		}
	}
	return p.enumErr
}

func (p *fakeProvider) LoadItem(ctx context.Context, id string) (*RemoteItem, error) {
	it, ok := p.loaded[id]
	if !ok {
		return nil, NotFound("gone")
	}
	return &it, nil
}

func (p *fakeProvider) CommitChanges(ctx context.Context) error {
	p.commits++
	return nil
}

type fakeLocal struct {
	byCorr   map[string]*model.LocalRecord
	byRemote map[string]*model.LocalRecord
	locks    map[string]string
	denyLock map[string]bool
	applyErr map[string]error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		byCorr:   make(map[string]*model.LocalRecord),
		byRemote: make(map[string]*model.LocalRecord),
		locks:    make(map[string]string),
		denyLock: make(map[string]bool),
		applyErr: make(map[string]error),
	}
}

func (l *fakeLocal) seed(item RemoteItem) *model.LocalRecord {
	rec := &model.LocalRecord{
		ID:            "local-" + item.ID,
		MailboxID:     item.MailboxID,
		CorrelationID: item.CorrelationID,
		RemoteID:      item.ID,
		Title:         item.Title,
	}
	l.byCorr[item.CorrelationID] = rec
	l.byRemote[item.ID] = rec
	return rec
}

func (l *fakeLocal) Resolve(ctx context.Context, item RemoteItem) (*model.LocalRecord, Action, error) {
	if rec, ok := l.byCorr[item.CorrelationID]; ok {
		if rec.Title == item.Title && !rec.Deleted {
			return rec, ActionNone, nil
		}
		return rec, ActionUpdate, nil
	}
	return nil, ActionCreate, nil
}

func (l *fakeLocal) Lock(ctx context.Context, recordID, sessionID string) (bool, error) {
	if l.denyLock[recordID] {
		return false, nil
	}
	if holder, ok := l.locks[recordID]; ok && holder != sessionID {
		return false, nil
	}
	l.locks[recordID] = sessionID
	return true, nil
}

func (l *fakeLocal) Unlock(ctx context.Context, recordID, sessionID string) error {
	if l.locks[recordID] == sessionID {
		delete(l.locks, recordID)
	}
	return nil
}

func (l *fakeLocal) Apply(ctx context.Context, env *Envelope) error {
	if err := l.applyErr[env.Remote.ID]; err != nil {
		return err
	}
	switch env.Action {
	case ActionCreate:
		env.Local = l.seed(env.Remote)
	case ActionUpdate:
		env.Local.Title = env.Remote.Title
		env.Local.Deleted = false
	case ActionDelete:
		env.Local.Deleted = true
	}
	return nil
}

func (l *fakeLocal) FindByRemoteID(ctx context.Context, mailboxID, remoteID string) (*model.LocalRecord, error) {
	rec, ok := l.byRemote[remoteID]
	if !ok || rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

type fakeCheckpoints struct {
	stored map[string]time.Time
	saved  []time.Time
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{stored: make(map[string]time.Time)}
}

func (c *fakeCheckpoints) Load(ctx context.Context, mailboxID string, kind model.ItemKind) (time.Time, error) {
	return c.stored[mailboxID+":"+string(kind)], nil
}

func (c *fakeCheckpoints) Save(ctx context.Context, mailboxID string, kind model.ItemKind, at time.Time) error {
	c.stored[mailboxID+":"+string(kind)] = at
	c.saved = append(c.saved, at)
	return nil
}

type fakeStatus struct {
	errCode string
	cleared bool
	goodAt  time.Time
}

func (s *fakeStatus) SetError(ctx context.Context, mailboxID, code, message string) error {
	s.errCode = code
	return nil
}

func (s *fakeStatus) ClearError(ctx context.Context, mailboxID string, lastGoodSync time.Time) error {
	s.cleared = true
	s.goodAt = lastGoodSync
	return nil
}

func testMailbox() *model.Mailbox {
	return &model.Mailbox{
		ID:            "mb-1",
		Sender:        "user@example.com",
		Backend:       model.BackendGCal,
		OwnerID:       "owner-1",
		SyncEnabled:   true,
		ImportEnabled: true,
		Scope:         model.ScopeAllFolders,
	}
}

func testItem(id, correlation, title string) RemoteItem {
	return RemoteItem{
		Backend:       model.BackendGCal,
		Kind:          model.KindEvent,
		MailboxID:     "mb-1",
		OwnerID:       "owner-1",
		ID:            id,
		CorrelationID: correlation,
		Title:         title,
		Modified:      time.Now().Add(-time.Hour),
	}
}

func newTestEngine(local *fakeLocal, cps *fakeCheckpoints, boxes *fakeStatus) *Engine {
	return NewEngine(local, cps, boxes, nil, nil)
}

func TestRunSessionImportDisabledMakesNoWrites(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)
	provider := &fakeProvider{items: []RemoteItem{
		testItem("ev-1", "uid-1", "One"),
	}}

	mb := testMailbox()
	mb.ImportEnabled = false
	sess, err := engine.OpenSession(ctx, mb, model.KindEvent, time.Time{})
	require.NoError(t, err)
	require.NoError(t, engine.RunSession(ctx, provider, sess))

	assert.Zero(t, sess.Created)
	assert.Empty(t, local.byCorr)
	assert.Empty(t, cps.saved, "no checkpoint movement for a disabled mailbox")
	assert.Zero(t, provider.commits)
}

func TestApplyNotificationImportDisabledIsDropped(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)
	item := testItem("ev-1", "uid-1", "One")
	provider := &fakeProvider{loaded: map[string]RemoteItem{"ev-1": item}}

	mb := testMailbox()
	mb.ImportEnabled = false
	require.NoError(t, engine.ApplyNotification(ctx, provider, mb, model.KindEvent, "ev-1"))
	assert.Empty(t, local.byCorr)
}

func TestRunSessionCleanBatchAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)
	provider := &fakeProvider{items: []RemoteItem{
		testItem("ev-1", "uid-1", "One"),
		testItem("ev-2", "uid-2", "Two"),
	}}

	sess, err := engine.OpenSession(ctx, testMailbox(), model.KindEvent, time.Time{})
	require.NoError(t, err)
	require.NoError(t, engine.RunSession(ctx, provider, sess))

	assert.Equal(t, 2, sess.Created)
	assert.False(t, sess.NeedsRerun)
	assert.Equal(t, 1, provider.commits)
	require.Len(t, cps.saved, 1)
	assert.True(t, cps.saved[0].Equal(sess.StartedAt), "clean batch advances to session start")
	assert.True(t, boxes.cleared)
	assert.True(t, boxes.goodAt.Equal(sess.StartedAt))
}

func TestRunSessionPartialFailureHoldsCheckpoint(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	// item2 already exists unchanged, item3 fails transiently.
	unchanged := testItem("ev-2", "uid-2", "Two")
	local.seed(unchanged)
	local.applyErr["ev-3"] = Transient("backend timeout", nil)

	provider := &fakeProvider{items: []RemoteItem{
		testItem("ev-1", "uid-1", "One"),
		unchanged,
		testItem("ev-3", "uid-3", "Three"),
	}}

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sess, err := engine.OpenSession(ctx, testMailbox(), model.KindEvent, since)
	require.NoError(t, err)
	require.NoError(t, engine.RunSession(ctx, provider, sess))

	assert.Equal(t, 1, sess.Created, "good items still commit")
	assert.Equal(t, 1, sess.Skipped)
	assert.True(t, sess.NeedsRerun)
	require.Len(t, cps.saved, 1)
	assert.True(t, cps.saved[0].Equal(since), "deferred item pins the checkpoint")
	assert.False(t, boxes.cleared, "error state survives a dirty run")
}

func TestRunSessionLockedRecordDefers(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	changed := testItem("ev-1", "uid-1", "Old title")
	rec := local.seed(changed)
	local.denyLock[rec.ID] = true
	changed.Title = "New title"

	provider := &fakeProvider{items: []RemoteItem{changed}}
	sess, err := engine.OpenSession(ctx, testMailbox(), model.KindEvent, time.Time{})
	require.NoError(t, err)
	require.NoError(t, engine.RunSession(ctx, provider, sess))

	assert.True(t, sess.NeedsRerun)
	assert.Zero(t, sess.Updated)
	assert.Equal(t, "Old title", rec.Title, "a held lock is never overwritten")
}

func TestRunSessionOverlappingPagesProcessOnce(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	item := testItem("ev-1", "uid-1", "One")
	provider := &fakeProvider{items: []RemoteItem{item, item}}

	sess, err := engine.OpenSession(ctx, testMailbox(), model.KindEvent, time.Time{})
	require.NoError(t, err)
	require.NoError(t, engine.RunSession(ctx, provider, sess))

	assert.Equal(t, 1, sess.Created)
	assert.False(t, sess.NeedsRerun)
}

func TestRunSessionFatalEnumerationFailsMailbox(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)
	provider := &fakeProvider{enumErr: Fatal("token rejected", errors.New("401"))}

	sess, err := engine.OpenSession(ctx, testMailbox(), model.KindEvent, time.Time{})
	require.NoError(t, err)
	err = engine.RunSession(ctx, provider, sess)
	require.Error(t, err)

	assert.Equal(t, "SYNC_CONFIG", boxes.errCode)
	assert.Empty(t, cps.saved, "no checkpoint movement on a fatal abort")
}

func TestRunSessionTransientEnumerationDefers(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)
	provider := &fakeProvider{
		items:   []RemoteItem{testItem("ev-1", "uid-1", "One")},
		enumErr: Transient("connection reset", nil),
	}

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sess, err := engine.OpenSession(ctx, testMailbox(), model.KindEvent, since)
	require.NoError(t, err)
	require.NoError(t, engine.RunSession(ctx, provider, sess))

	assert.Equal(t, 1, sess.Created, "items before the failure still commit")
	assert.True(t, sess.NeedsRerun)
	require.Len(t, cps.saved, 1)
	assert.True(t, cps.saved[0].Equal(since))
	assert.Empty(t, boxes.errCode, "transient enumeration is not a mailbox error")
}

func TestApplyNotificationCreatesItem(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	item := testItem("ev-1", "uid-1", "Pushed")
	provider := &fakeProvider{loaded: map[string]RemoteItem{"ev-1": item}}

	require.NoError(t, engine.ApplyNotification(ctx, provider, testMailbox(), model.KindEvent, "ev-1"))
	rec := local.byCorr["uid-1"]
	require.NotNil(t, rec)
	assert.Equal(t, "Pushed", rec.Title)
}

func TestApplyNotificationGoneDeletesLocal(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)

	rec := local.seed(testItem("ev-1", "uid-1", "Known"))
	provider := &fakeProvider{loaded: map[string]RemoteItem{}}

	require.NoError(t, engine.ApplyNotification(ctx, provider, testMailbox(), model.KindEvent, "ev-1"))
	assert.True(t, rec.Deleted)
}

func TestApplyNotificationGoneUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	local, cps, boxes := newFakeLocal(), newFakeCheckpoints(), &fakeStatus{}
	engine := newTestEngine(local, cps, boxes)
	provider := &fakeProvider{loaded: map[string]RemoteItem{}}

	require.NoError(t, engine.ApplyNotification(ctx, provider, testMailbox(), model.KindEvent, "never-imported"))
	assert.Empty(t, local.byCorr)
}

func TestSessionCheckpointPolicy(t *testing.T) {
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sess := NewSession(testMailbox(), model.KindEvent, since)

	assert.True(t, sess.NewCheckpoint().Equal(sess.StartedAt))

	sess.Defer(Transient("later", nil))
	assert.True(t, sess.NewCheckpoint().Equal(since))
}

func TestSessionMarkSeen(t *testing.T) {
	sess := NewSession(testMailbox(), model.KindEvent, time.Time{})

	assert.False(t, sess.MarkSeen("uid-1"))
	assert.True(t, sess.MarkSeen("uid-1"))

	// Items with no correlation marker are never suppressed here; the
	// fingerprint fallback decides for them.
	assert.False(t, sess.MarkSeen(""))
	assert.False(t, sess.MarkSeen(""))
}

func TestChangeFilterFloor(t *testing.T) {
	since := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	horizon := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	f := ChangeFilter{Since: since, Horizon: horizon}
	assert.True(t, f.Floor().Equal(since))

	// A checkpoint older than the horizon never widens the window.
	f = ChangeFilter{Since: horizon.Add(-30 * 24 * time.Hour), Horizon: horizon}
	assert.True(t, f.Floor().Equal(horizon))
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, FaultFatal, ClassOf(Fatal("bad config", nil)))
	assert.Equal(t, FaultNotFound, ClassOf(NotFound("gone")))
	assert.Equal(t, FaultTransient, ClassOf(errors.New("anything else")))
	assert.Equal(t, FaultTransient, ClassOf(context.DeadlineExceeded))

	wrapped := Transient("outer", Fatal("inner", nil))
	assert.Equal(t, FaultTransient, ClassOf(wrapped), "outermost classification wins")
}
