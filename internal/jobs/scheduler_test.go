package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReaper struct{ calls atomic.Int32 }

func (r *countingReaper) ReapDead() int {
	r.calls.Add(1)
	return 1
}

type recordingPruner struct {
	mu   sync.Mutex
	days []int
	err  error
}

func (p *recordingPruner) PruneOlderThan(_ context.Context, days int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days = append(p.days, days)
	return 3, p.err
}

func TestSchedulerRunsReaper(t *testing.T) {
	r := &countingReaper{}
	s, err := New(r, nil, Options{ReapInterval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestSchedulerRegistersPrune(t *testing.T) {
	s, err := New(&countingReaper{}, &recordingPruner{}, Options{
		ReapInterval:   5 * time.Second,
		PruneSchedule:  "@daily",
		MaxHistoryDays: 90,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestSchedulerSkipsDisabledJobs(t *testing.T) {
	s, err := New(nil, &recordingPruner{}, Options{PruneSchedule: "@daily"})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len(), "prune needs a retention window")
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	_, err := New(nil, &recordingPruner{}, Options{PruneSchedule: "not a schedule", MaxHistoryDays: 1})
	assert.Error(t, err)
}

func TestPruneLogsErrors(t *testing.T) {
	p := &recordingPruner{err: errors.New("disk full")}
	prune(context.Background(), p, 30)
	assert.Equal(t, []int{30}, p.days)
}

func TestStopWaitsOrTimesOut(t *testing.T) {
	s, err := New(&countingReaper{}, nil, Options{ReapInterval: time.Second})
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Error(t, s.ctx.Err(), "prune context is cancelled on stop")
}
