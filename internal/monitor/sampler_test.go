package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem(t *testing.T) {
	s := NewSampler()
	res, err := s.System(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.CPUPercent, 0.0)
	assert.Greater(t, res.MemoryTotalGB, 0.0)
	assert.LessOrEqual(t, res.MemoryUsedGB, res.MemoryTotalGB)
	assert.Greater(t, res.DiskTotalGB, 0.0)
	_, err = time.Parse(time.RFC3339, res.Timestamp)
	assert.NoError(t, err)
	assert.Equal(t, StatusHealthy, s.Health())
}

func TestSystemDiskFailureDegrades(t *testing.T) {
	s := NewSampler()
	s.diskPath = "/definitely/not/a/mount/point"

	_, err := s.System(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDegraded, s.Health())
}

func TestProcessSelf(t *testing.T) {
	s := NewSampler()
	res, err := s.Process(context.Background(), os.Getpid(), "")
	require.NoError(t, err)

	assert.Equal(t, os.Getpid(), res.PID)
	assert.NotEmpty(t, res.Command, "falls back to the process name")
	assert.Greater(t, res.MemoryMB, 0.0)
	assert.NotEmpty(t, res.Status)
	assert.Nil(t, res.DurationSeconds)
}

func TestProcessUnknown(t *testing.T) {
	s := NewSampler()
	_, err := s.Process(context.Background(), 0, "")
	assert.ErrorIs(t, err, ErrNoSuchProcess)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	_, err = s.Process(context.Background(), cmd.Process.Pid, "")
	assert.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestTrackLifecycle(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	pid := cmd.Process.Pid

	s := NewSampler()
	ctx := context.Background()
	require.NoError(t, s.Track(ctx, pid, "sleep 30"))

	for i := 0; i < 2; i++ {
		res, err := s.Tracked(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, "sleep 30", res.Command)
		require.NotNil(t, res.DurationSeconds)
		assert.GreaterOrEqual(t, *res.DurationSeconds, 0.0)
	}

	sum, ok := s.StopTracking(pid)
	require.True(t, ok)
	assert.Equal(t, "sleep 30", sum.Command)
	assert.Greater(t, sum.MaxMemoryMB, 0.0)
	assert.Greater(t, sum.DurationSeconds, 0.0)

	_, ok = s.StopTracking(pid)
	assert.False(t, ok)
	_, err := s.Tracked(ctx, pid)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestTrackUnknownProcess(t *testing.T) {
	s := NewSampler()
	assert.ErrorIs(t, s.Track(context.Background(), -1, "nope"), ErrNoSuchProcess)
}

func TestSummarize(t *testing.T) {
	start := time.Now()
	tp := &trackedProcess{
		command:    "make",
		started:    start,
		cpuSamples: []float64{10, 20, 33.333},
		memSamples: []float64{100.123, 250.456, 180},
	}

	sum := summarize(tp, start.Add(1500*time.Millisecond))
	assert.Equal(t, "make", sum.Command)
	assert.Equal(t, 1.5, sum.DurationSeconds)
	assert.Equal(t, 21.11, sum.AvgCPUPercent)
	assert.Equal(t, 250.46, sum.MaxMemoryMB)

	empty := summarize(&trackedProcess{command: "idle", started: start}, start)
	assert.Zero(t, empty.AvgCPUPercent)
	assert.Zero(t, empty.MaxMemoryMB)
}

func TestWatch(t *testing.T) {
	s := NewSampler()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := errors.New("enough")
	var samples int
	err := s.Watch(ctx, 50*time.Millisecond, func(SystemResources) error {
		samples++
		if samples == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, samples)
}

func TestWatchStopsOnCancel(t *testing.T) {
	s := NewSampler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, time.Hour, func(SystemResources) error { return nil })
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestSamplerHealthThresholds(t *testing.T) {
	h := newSamplerHealth()
	assert.Equal(t, StatusHealthy, h.status())

	h.recordFailure(fmt.Errorf("disk gone"))
	assert.Equal(t, StatusDegraded, h.status())
	h.recordFailure(fmt.Errorf("still gone"))
	h.recordFailure(fmt.Errorf("gone for good"))
	assert.Equal(t, StatusFailed, h.status())
	assert.Equal(t, "gone for good", h.lastError())

	h.logIfChanged()
	assert.Equal(t, StatusFailed, h.lastEmittedStatus)

	h.recordSuccess()
	assert.Equal(t, StatusHealthy, h.status())
	assert.Empty(t, h.lastError())
}
