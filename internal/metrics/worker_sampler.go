package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the supervised worker.",
		},
	)
	workerMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the supervised worker.",
		},
	)
	workerNumThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Thread count of the supervised worker.",
		},
	)
)

// Sample is one resource reading of the worker process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerSampler periodically reads CPU and memory of the current worker PID.
// The PID source must be safe to call from any goroutine; 0 means no worker.
type WorkerSampler struct {
	interval time.Duration
	pid      func() int32

	mu   sync.RWMutex
	last Sample
	has  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerSampler creates a sampler. interval defaults to 5s.
func NewWorkerSampler(interval time.Duration, pid func() int32) *WorkerSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &WorkerSampler{interval: interval, pid: pid, stopCh: make(chan struct{})}
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *WorkerSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(ctx)
			}
		}
	}()
}

// Stop ends sampling. Safe to call more than once.
func (s *WorkerSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample now. It returns false when no worker is running or
// the process could not be read; the gauges are zeroed in that case.
func (s *WorkerSampler) Collect(ctx context.Context) (Sample, bool) {
	pid := s.pid()
	if pid <= 0 {
		s.clear()
		return Sample{}, false
	}
	smp, err := readSample(ctx, pid)
	if err != nil {
		slog.Debug("Failed to sample worker", "pid", pid, "error", err)
		s.clear()
		return Sample{}, false
	}
	s.mu.Lock()
	s.last, s.has = smp, true
	s.mu.Unlock()
	if regOK.Load() {
		workerCPUPercent.Set(smp.CPUPercent)
		workerMemoryBytes.Set(float64(smp.MemoryRSS))
		workerNumThreads.Set(float64(smp.NumThreads))
	}
	return smp, true
}

// Last returns the most recent successful sample.
func (s *WorkerSampler) Last() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.has
}

func (s *WorkerSampler) clear() {
	s.mu.Lock()
	s.last, s.has = Sample{}, false
	s.mu.Unlock()
	if regOK.Load() {
		workerCPUPercent.Set(0)
		workerMemoryBytes.Set(0)
		workerNumThreads.Set(0)
	}
}

func readSample(ctx context.Context, pid int32) (Sample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get thread count", "pid", pid, "error", err)
		threads = 0
	}
	return Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}
