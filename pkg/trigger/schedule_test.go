package trigger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedule(t *testing.T) {
	schedule, err := NewSchedule("s1", "pipe-1", "*/5 * * * *")
	require.NoError(t, err)

	assert.True(t, schedule.Active)
	assert.True(t, schedule.NextDueAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestNewSchedule_InvalidExpression(t *testing.T) {
	_, err := NewSchedule("s1", "pipe-1", "not a cron")
	require.Error(t, err)

	_, err = NewSchedule("s1", "pipe-1", "")
	require.Error(t, err)
}

func TestSchedule_Due(t *testing.T) {
	schedule, err := NewSchedule("s1", "pipe-1", "0 * * * *")
	require.NoError(t, err)

	assert.False(t, schedule.Due(time.Now().UTC()))
	assert.True(t, schedule.Due(schedule.NextDueAt))
	assert.True(t, schedule.Due(schedule.NextDueAt.Add(time.Minute)))

	schedule.Active = false
	assert.False(t, schedule.Due(schedule.NextDueAt))
}

func TestPoller_FiresDueSchedules(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []string
	)

	poller := NewPoller(slog.Default(), func(_ context.Context, pipelineID string) error {
		mu.Lock()
		defer mu.Unlock()

		fired = append(fired, pipelineID)

		return nil
	})

	due, err := NewSchedule("due", "pipe-due", "* * * * *")
	require.NoError(t, err)

	notDue, err := NewSchedule("later", "pipe-later", "* * * * *")
	require.NoError(t, err)

	poller.Add(due)
	poller.Add(notDue)

	// Only the first schedule is due at its own fire time.
	poller.Poll(t.Context(), due.NextDueAt)

	mu.Lock()
	count := len(fired)
	mu.Unlock()

	assert.GreaterOrEqual(t, count, 1)

	// The due schedule advanced past the poll time.
	assert.True(t, due.NextDueAt.After(time.Now().UTC()))
}

func TestPoller_FiresOncePerDueTime(t *testing.T) {
	fired := 0

	poller := NewPoller(slog.Default(), func(context.Context, string) error {
		fired++

		return nil
	})

	schedule, err := NewSchedule("s1", "pipe-1", "* * * * *")
	require.NoError(t, err)

	poller.Add(schedule)

	at := schedule.NextDueAt
	poller.Poll(t.Context(), at)
	poller.Poll(t.Context(), at)

	assert.Equal(t, 1, fired, "a schedule must not fire twice for one due time")
}

func TestPoller_Remove(t *testing.T) {
	fired := 0

	poller := NewPoller(slog.Default(), func(context.Context, string) error {
		fired++

		return nil
	})

	schedule, err := NewSchedule("s1", "pipe-1", "* * * * *")
	require.NoError(t, err)

	poller.Add(schedule)
	poller.Remove("s1")
	poller.Poll(t.Context(), schedule.NextDueAt)

	assert.Equal(t, 0, fired)
}
