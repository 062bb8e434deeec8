package failover

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleDeduplicatesByGroupAndMailbox(t *testing.T) {
	sched := NewScheduler(context.Background(), 4, nil)

	release := make(chan struct{})
	var runs int
	var mu gosync.Mutex

	job := Job{
		MailboxID: "mb-1",
		Group:     "listener-recovery",
		Run: func(ctx context.Context) {
			mu.Lock()
			runs++
			mu.Unlock()
			<-release
		},
	}

	require.True(t, sched.Schedule(job))
	assert.True(t, sched.IsPending("listener-recovery", "mb-1"))
	assert.False(t, sched.Schedule(job), "duplicate registration is a no-op")

	// Same mailbox in another group is a distinct slot.
	other := job
	other.Group = "reexport"
	other.Run = func(ctx context.Context) {}
	assert.True(t, sched.Schedule(other))

	close(release)
	sched.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
	assert.False(t, sched.IsPending("listener-recovery", "mb-1"))
}

func TestScheduleAgainAfterCompletion(t *testing.T) {
	sched := NewScheduler(context.Background(), 2, nil)

	done := make(chan struct{}, 2)
	job := Job{
		MailboxID: "mb-1",
		Group:     "listener-recovery",
		Run:       func(ctx context.Context) { done <- struct{}{} },
	}

	require.True(t, sched.Schedule(job))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}

	require.Eventually(t, func() bool {
		return sched.Schedule(job)
	}, 2*time.Second, 10*time.Millisecond, "slot frees up once the job finished")
	sched.Wait()
}

func TestPendingListsGroupMembers(t *testing.T) {
	sched := NewScheduler(context.Background(), 4, nil)
	release := make(chan struct{})

	for _, id := range []string{"mb-1", "mb-2"} {
		require.True(t, sched.Schedule(Job{
			MailboxID: id,
			Group:     "listener-recovery",
			Run:       func(ctx context.Context) { <-release },
		}))
	}

	pending := sched.Pending("listener-recovery")
	assert.ElementsMatch(t, []string{"mb-1", "mb-2"}, pending)
	assert.Empty(t, sched.Pending("other-group"))

	close(release)
	sched.Wait()
	assert.Empty(t, sched.Pending("listener-recovery"))
}
