package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/orbitmail/syncd/internal/model"
)

// ProviderFactory builds the backend adapter for one mailbox. The
// factory is where credentials get fetched; a missing or incomplete
// credential surfaces as a Fatal fault for that mailbox only.
type ProviderFactory func(ctx context.Context, mb *model.Mailbox) (RemoteProvider, error)

// Manager dispatches one background sync task per mailbox and kind.
// Tasks run concurrently across different mailboxes but a second start
// for the same key is rejected; the per-record advisory lock is the
// safety net if two runs race anyway.
type Manager struct {
	engine  *Engine
	factory ProviderFactory
	logger  *slog.Logger

	runners map[string]context.CancelFunc
	mu      gosync.RWMutex
}

// NewManager creates a sync task manager.
func NewManager(engine *Engine, factory ProviderFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:  engine,
		factory: factory,
		logger:  logger,
		runners: make(map[string]context.CancelFunc),
	}
}

func runnerKey(mailboxID string, kind model.ItemKind) string {
	return fmt.Sprintf("%s:%s", mailboxID, kind)
}

// StartSync launches one synchronization run for a mailbox in the
// background. since overrides the stored checkpoint when non-zero
// (catch-up after failover). Returns an error if a run for the same
// mailbox and kind is already in flight.
func (m *Manager) StartSync(ctx context.Context, mb *model.Mailbox, kind model.ItemKind, since time.Time) error {
	key := runnerKey(mb.ID, kind)

	m.mu.Lock()
	if _, exists := m.runners[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("sync already running for %s", key)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runners[key] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.runners, key)
			m.mu.Unlock()
			m.logger.Debug("sync task done", "key", key)
		}()

		if err := m.runOnce(runCtx, mb, kind, since); err != nil {
			m.logger.Error("sync task failed", "key", key, "error", err)
		}
	}()

	return nil
}

// RunSync performs one synchronization run synchronously, for callers
// that need the result (the HTTP trigger and recovery jobs).
func (m *Manager) RunSync(ctx context.Context, mb *model.Mailbox, kind model.ItemKind, since time.Time) error {
	key := runnerKey(mb.ID, kind)

	m.mu.Lock()
	if _, exists := m.runners[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("sync already running for %s", key)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runners[key] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.runners, key)
		m.mu.Unlock()
	}()

	return m.runOnce(runCtx, mb, kind, since)
}

func (m *Manager) runOnce(ctx context.Context, mb *model.Mailbox, kind model.ItemKind, since time.Time) error {
	provider, err := m.factory(ctx, mb)
	if err != nil {
		m.engine.failMailbox(ctx, mb, "SYNC_SETUP", err)
		return fmt.Errorf("creating provider for %s: %w", mb.ID, err)
	}

	sess, err := m.engine.OpenSession(ctx, mb, kind, since)
	if err != nil {
		// Session-setup failures are the one hard failure of a run.
		return err
	}
	return m.engine.RunSession(ctx, provider, sess)
}

// HandleNotification routes one push notification through the targeted
// load path.
func (m *Manager) HandleNotification(ctx context.Context, mb *model.Mailbox, kind model.ItemKind, itemID string) error {
	provider, err := m.factory(ctx, mb)
	if err != nil {
		return fmt.Errorf("creating provider for %s: %w", mb.ID, err)
	}
	return m.engine.ApplyNotification(ctx, provider, mb, kind, itemID)
}

// IsRunning reports whether a run is in flight for the mailbox/kind.
func (m *Manager) IsRunning(mailboxID string, kind model.ItemKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.runners[runnerKey(mailboxID, kind)]
	return exists
}

// StopAll cancels every in-flight run.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.runners {
		m.logger.Info("stopping sync task", "key", key)
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
}
