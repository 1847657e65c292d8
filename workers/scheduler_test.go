package workers

import (
	"context"
	"testing"
	"time"

	"quiz-progression-system/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeriodic(task func(ctx context.Context)) *periodicJob {
	if task == nil {
		task = func(context.Context) {}
	}
	return &periodicJob{name: "test-job", log: logger.Nop(), task: task, interval: time.Hour}
}

func closed(ch chan struct{}) func() bool {
	return func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
}

func TestPeriodicJob_StopReleasesWatcher(t *testing.T) {
	p := newPeriodic(nil)
	require.NoError(t, p.start(context.Background(), false))
	watching := p.watching
	assert.True(t, p.scheduled())
	assert.NotNil(t, p.nextRun())

	require.NoError(t, p.stop())
	assert.False(t, p.scheduled())
	assert.Eventually(t, closed(watching), time.Second, 5*time.Millisecond)
	require.NoError(t, p.stop())
}

func TestPeriodicJob_ContextCancelStops(t *testing.T) {
	p := newPeriodic(nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.start(ctx, false))
	watching := p.watching

	cancel()
	assert.Eventually(t, closed(watching), time.Second, 5*time.Millisecond)
	assert.False(t, p.scheduled())
}

func TestPeriodicJob_StaleWatcherLeavesRestartAlone(t *testing.T) {
	p := newPeriodic(nil)
	first, cancelFirst := context.WithCancel(context.Background())
	require.NoError(t, p.start(first, false))
	require.NoError(t, p.stop())

	require.NoError(t, p.start(context.Background(), false))
	t.Cleanup(func() { _ = p.stop() })
	cancelFirst()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, p.scheduled())
}

func TestPeriodicJob_StartImmediatelyRunsTask(t *testing.T) {
	ran := make(chan struct{}, 1)
	p := newPeriodic(func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	require.NoError(t, p.start(context.Background(), true))
	t.Cleanup(func() { _ = p.stop() })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	require.NoError(t, p.start(context.Background(), true))

	require.NoError(t, p.setInterval(2*time.Hour))
	assert.Equal(t, 2*time.Hour, p.currentInterval())
}
