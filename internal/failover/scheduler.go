package failover

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Job is a one-shot recovery task, scheduled to run immediately under
// the owning user's context.
type Job struct {
	ID        string
	MailboxID string
	Group     string
	OwnerID   string
	Run       func(ctx context.Context)
}

// Scheduler runs one-shot jobs with idempotent registration: at most
// one pending job per (group, mailbox) key exists at any time, and a
// duplicate Schedule is a no-op. The check inside the controller pass
// and the scheduling here are not atomic as a pair, so the dedup is
// enforced again at this layer to close the race.
type Scheduler struct {
	logger *slog.Logger

	mu      gosync.Mutex
	pending map[string]*Job

	group *errgroup.Group
	ctx   context.Context
}

// NewScheduler creates a scheduler executing at most limit jobs
// concurrently. Jobs inherit ctx.
func NewScheduler(ctx context.Context, limit int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Scheduler{
		logger:  logger,
		pending: make(map[string]*Job),
		group:   g,
		ctx:     gctx,
	}
}

func jobKey(group, mailboxID string) string {
	return fmt.Sprintf("%s:%s", group, mailboxID)
}

// Schedule registers and starts a job. Returns false without side
// effects when a job for the same (group, mailbox) is still pending.
func (s *Scheduler) Schedule(job Job) bool {
	key := jobKey(job.Group, job.MailboxID)

	s.mu.Lock()
	if _, exists := s.pending[key]; exists {
		s.mu.Unlock()
		return false
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	j := job
	s.pending[key] = &j
	s.mu.Unlock()

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.pending, key)
			s.mu.Unlock()
		}()
		s.logger.Debug("recovery job start", "job", j.ID, "mailbox", j.MailboxID, "group", j.Group)
		j.Run(s.ctx)
		return nil
	})
	return true
}

// IsPending reports whether a job is registered for the key.
func (s *Scheduler) IsPending(group, mailboxID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.pending[jobKey(group, mailboxID)]
	return exists
}

// Pending lists the mailbox ids with a registered job in the group.
func (s *Scheduler) Pending(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, j := range s.pending {
		if j.Group == group {
			ids = append(ids, j.MailboxID)
		}
	}
	return ids
}

// Wait blocks until every started job has finished.
func (s *Scheduler) Wait() {
	_ = s.group.Wait()
}
