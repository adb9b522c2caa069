package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	bytesPerGB       = 1 << 30
	bytesPerMB       = 1 << 20
	defaultCPUWindow = 100 * time.Millisecond
)

var (
	ErrNoSuchProcess = errors.New("process not found")
	ErrNotTracked    = errors.New("process not tracked")
)

// SystemResources is a point-in-time view of host utilisation.
type SystemResources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	Timestamp     string  `json:"timestamp"`
}

// ProcessResources is a point-in-time view of one process.
type ProcessResources struct {
	PID             int      `json:"pid"`
	Command         string   `json:"command"`
	CPUPercent      float64  `json:"cpu_percent"`
	MemoryMB        float64  `json:"memory_mb"`
	Status          string   `json:"status"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// Summary aggregates the samples taken while a process was tracked.
type Summary struct {
	Command         string  `json:"command"`
	DurationSeconds float64 `json:"duration_seconds"`
	AvgCPUPercent   float64 `json:"avg_cpu_percent"`
	MaxMemoryMB     float64 `json:"max_memory_mb"`
}

type trackedProcess struct {
	command    string
	proc       *process.Process
	started    time.Time
	cpuSamples []float64
	memSamples []float64
}

// Sampler reads host and process metrics. It also remembers processes a
// client asked to track so their samples can be summarised later.
type Sampler struct {
	cpuWindow time.Duration
	diskPath  string
	health    *samplerHealth

	mu      sync.Mutex
	tracked map[int]*trackedProcess
}

func NewSampler() *Sampler {
	return &Sampler{
		cpuWindow: defaultCPUWindow,
		diskPath:  "/",
		health:    newSamplerHealth(),
		tracked:   make(map[int]*trackedProcess),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// System samples CPU over a short window plus memory and root disk usage.
func (s *Sampler) System(ctx context.Context) (SystemResources, error) {
	res, err := s.system(ctx)
	if err != nil {
		s.health.recordFailure(err)
		return SystemResources{}, err
	}
	s.health.recordSuccess()
	return res, nil
}

func (s *Sampler) system(ctx context.Context) (SystemResources, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, s.cpuWindow, false)
	if err != nil {
		return SystemResources{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemResources{}, fmt.Errorf("sample memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return SystemResources{}, fmt.Errorf("sample disk %s: %w", s.diskPath, err)
	}

	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	return SystemResources{
		CPUPercent:    round2(cpuPercent),
		MemoryPercent: round2(vm.UsedPercent),
		MemoryUsedGB:  round2(float64(vm.Used) / bytesPerGB),
		MemoryTotalGB: round2(float64(vm.Total) / bytesPerGB),
		DiskPercent:   round2(du.UsedPercent),
		DiskUsedGB:    round2(float64(du.Used) / bytesPerGB),
		DiskTotalGB:   round2(float64(du.Total) / bytesPerGB),
		Timestamp:     time.Now().Format(time.RFC3339),
	}, nil
}

func openProcess(ctx context.Context, pid int) (*process.Process, error) {
	if pid <= 0 {
		return nil, ErrNoSuchProcess
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNoSuchProcess
		}
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return p, nil
}

func (s *Sampler) sampleProcess(ctx context.Context, p *process.Process) (cpuPercent, memMB float64, status string, err error) {
	cpuPercent, err = p.PercentWithContext(ctx, s.cpuWindow)
	if err != nil {
		return 0, 0, "", s.processGone(ctx, p, err)
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, "", s.processGone(ctx, p, err)
	}
	states, err := p.StatusWithContext(ctx)
	if err != nil {
		return 0, 0, "", s.processGone(ctx, p, err)
	}
	return cpuPercent, float64(info.RSS) / bytesPerMB, strings.Join(states, ","), nil
}

// processGone maps errors from a process that exited mid-sample to
// ErrNoSuchProcess.
func (s *Sampler) processGone(ctx context.Context, p *process.Process, err error) error {
	if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
		return ErrNoSuchProcess
	}
	return fmt.Errorf("sample process %d: %w", p.Pid, err)
}

// Process samples any process by pid. command labels the result; when
// empty the process name is used.
func (s *Sampler) Process(ctx context.Context, pid int, command string) (ProcessResources, error) {
	p, err := openProcess(ctx, pid)
	if err != nil {
		return ProcessResources{}, err
	}
	cpuPercent, memMB, status, err := s.sampleProcess(ctx, p)
	if err != nil {
		return ProcessResources{}, err
	}
	if command == "" {
		command, _ = p.NameWithContext(ctx)
	}
	return ProcessResources{
		PID:        pid,
		Command:    command,
		CPUPercent: round2(cpuPercent),
		MemoryMB:   round2(memMB),
		Status:     status,
	}, nil
}

// Track starts recording samples for pid. Tracking an already tracked pid
// restarts it.
func (s *Sampler) Track(ctx context.Context, pid int, command string) error {
	p, err := openProcess(ctx, pid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tracked[pid] = &trackedProcess{
		command: command,
		proc:    p,
		started: time.Now(),
	}
	s.mu.Unlock()
	return nil
}

// Tracked samples a tracked process and records the sample for its summary.
func (s *Sampler) Tracked(ctx context.Context, pid int) (ProcessResources, error) {
	s.mu.Lock()
	tp, ok := s.tracked[pid]
	s.mu.Unlock()
	if !ok {
		return ProcessResources{}, ErrNotTracked
	}

	cpuPercent, memMB, status, err := s.sampleProcess(ctx, tp.proc)
	if err != nil {
		return ProcessResources{}, err
	}

	s.mu.Lock()
	tp.cpuSamples = append(tp.cpuSamples, cpuPercent)
	tp.memSamples = append(tp.memSamples, memMB)
	duration := round2(time.Since(tp.started).Seconds())
	s.mu.Unlock()

	return ProcessResources{
		PID:             pid,
		Command:         tp.command,
		CPUPercent:      round2(cpuPercent),
		MemoryMB:        round2(memMB),
		Status:          status,
		DurationSeconds: &duration,
	}, nil
}

// StopTracking forgets pid and returns the summary of its samples.
func (s *Sampler) StopTracking(pid int) (Summary, bool) {
	s.mu.Lock()
	tp, ok := s.tracked[pid]
	delete(s.tracked, pid)
	s.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	return summarize(tp, time.Now()), true
}

func summarize(tp *trackedProcess, now time.Time) Summary {
	sum := Summary{
		Command:         tp.command,
		DurationSeconds: round2(now.Sub(tp.started).Seconds()),
	}
	if n := len(tp.cpuSamples); n > 0 {
		var total float64
		for _, v := range tp.cpuSamples {
			total += v
		}
		sum.AvgCPUPercent = round2(total / float64(n))
	}
	for _, v := range tp.memSamples {
		if v > sum.MaxMemoryMB {
			sum.MaxMemoryMB = v
		}
	}
	sum.MaxMemoryMB = round2(sum.MaxMemoryMB)
	return sum
}

// Watch samples the system every interval and hands each sample to fn,
// starting immediately. Failed samples are logged and skipped. Watch
// returns when ctx is done or fn returns an error.
func (s *Sampler) Watch(ctx context.Context, interval time.Duration, fn func(SystemResources) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := s.System(ctx)
		if ctx.Err() == nil {
			s.health.logIfChanged()
		}
		if err == nil {
			if err := fn(res); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health reports whether recent system samples succeeded.
func (s *Sampler) Health() HealthStatus {
	return s.health.status()
}
