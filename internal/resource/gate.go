package resource

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// Default admission thresholds
const (
	DefaultMinFreeMemoryMB = 2048
	DefaultMinFreeDiskGB   = 5
	DefaultMaxCPUPercent   = 90.0
	DefaultPollInterval    = 60 * time.Second

	cpuSampleWindow = 1 * time.Second
)

// Thresholds configures host resource admission
type Thresholds struct {
	MinFreeMemoryMB int64
	MinFreeDiskGB   int64
	MaxCPUPercent   float64
	PollInterval    time.Duration
	DiskPath        string
}

// DefaultThresholds returns the default admission thresholds for the given
// disk path
func DefaultThresholds(diskPath string) Thresholds {
	return Thresholds{
		MinFreeMemoryMB: DefaultMinFreeMemoryMB,
		MinFreeDiskGB:   DefaultMinFreeDiskGB,
		MaxCPUPercent:   DefaultMaxCPUPercent,
		PollInterval:    DefaultPollInterval,
		DiskPath:        diskPath,
	}
}

// CheckResult reports the outcome of one admission check
type CheckResult struct {
	MemoryOK bool `json:"memory_ok"`
	DiskOK   bool `json:"disk_ok"`
	CPUOK    bool `json:"cpu_ok"`

	AvailableMemoryMB float64 `json:"available_memory_mb"`
	FreeDiskGB        float64 `json:"free_disk_gb"`
	CPUPercent        float64 `json:"cpu_percent"`

	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Ready reports whether all three resources passed
func (r CheckResult) Ready() bool {
	return r.MemoryOK && r.DiskOK && r.CPUOK
}

// Limits describes how much parallelism the host can sustain
type Limits struct {
	MaxParallelJobs int   `json:"max_parallel_jobs"`
	MemoryLimitMB   int64 `json:"memory_limit_mb"`
	DiskBufferGB    int64 `json:"disk_buffer_gb"`
}

// Sampler provides host resource readings. The gopsutil-backed default is
// replaceable so tests can construct isolated gates instead of depending on
// host state.
type Sampler interface {
	AvailableMemoryMB() (float64, error)
	FreeDiskGB(path string) (float64, error)
	CPUPercent(window time.Duration) (float64, error)
	LogicalCPUs() int
}

type hostSampler struct{}

func (hostSampler) AvailableMemoryMB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return float64(vm.Available) / (1 << 20), nil
}

func (hostSampler) FreeDiskGB(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return float64(usage.Free) / (1 << 30), nil
}

func (hostSampler) CPUPercent(window time.Duration) (float64, error) {
	percents, err := cpu.Percent(window, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu sample available")
	}
	return percents[0], nil
}

func (hostSampler) LogicalCPUs() int {
	return runtime.NumCPU()
}

// Gate checks and waits on host memory, disk and CPU before admitting
// build work
type Gate struct {
	thresholds Thresholds
	sampler    Sampler
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// NewGate creates a resource gate with the gopsutil-backed host sampler
func NewGate(thresholds Thresholds, m *metrics.Metrics) *Gate {
	return NewGateWithSampler(thresholds, hostSampler{}, m)
}

// NewGateWithSampler creates a resource gate with a custom sampler
func NewGateWithSampler(thresholds Thresholds, sampler Sampler, m *metrics.Metrics) *Gate {
	if thresholds.MinFreeMemoryMB <= 0 {
		thresholds.MinFreeMemoryMB = DefaultMinFreeMemoryMB
	}
	if thresholds.MinFreeDiskGB <= 0 {
		thresholds.MinFreeDiskGB = DefaultMinFreeDiskGB
	}
	if thresholds.MaxCPUPercent <= 0 {
		thresholds.MaxCPUPercent = DefaultMaxCPUPercent
	}
	if thresholds.PollInterval <= 0 {
		thresholds.PollInterval = DefaultPollInterval
	}
	if thresholds.DiskPath == "" {
		thresholds.DiskPath = "/"
	}

	return &Gate{
		thresholds: thresholds,
		sampler:    sampler,
		logger:     logging.GetLogger(),
		metrics:    m,
	}
}

// Check samples memory, disk and CPU once and reports per-resource results
// with warnings and recommendations. A failed reading counts as not OK.
func (g *Gate) Check() CheckResult {
	result := CheckResult{}

	if availMB, err := g.sampler.AvailableMemoryMB(); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("memory check failed: %v", err))
	} else {
		result.AvailableMemoryMB = availMB
		result.MemoryOK = availMB >= float64(g.thresholds.MinFreeMemoryMB)
		if !result.MemoryOK {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("low memory: %.0f MB available, %d MB required", availMB, g.thresholds.MinFreeMemoryMB))
			result.Recommendations = append(result.Recommendations,
				"close other applications or reduce parallel build jobs")
		}
	}

	if freeGB, err := g.sampler.FreeDiskGB(g.thresholds.DiskPath); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("disk check failed: %v", err))
	} else {
		result.FreeDiskGB = freeGB
		result.DiskOK = freeGB >= float64(g.thresholds.MinFreeDiskGB)
		if !result.DiskOK {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("low disk space: %.1f GB free, %d GB required", freeGB, g.thresholds.MinFreeDiskGB))
			result.Recommendations = append(result.Recommendations,
				"clean old build directories or purge the artifact cache")
		}
	}

	if cpuPct, err := g.sampler.CPUPercent(cpuSampleWindow); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("cpu check failed: %v", err))
	} else {
		result.CPUPercent = cpuPct
		result.CPUOK = cpuPct < g.thresholds.MaxCPUPercent
		if !result.CPUOK {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("high cpu usage: %.0f%%", cpuPct))
			result.Recommendations = append(result.Recommendations,
				"wait for other workloads to finish before building")
		}
	}

	return result
}

// WaitUntilReady polls Check at the configured interval until all three
// resources are satisfied, the timeout elapses or the context is cancelled.
// Returns false on timeout or cancellation.
func (g *Gate) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		result := g.Check()
		if result.Ready() {
			return true
		}

		g.logger.Info("Waiting for host resources",
			"memory_ok", result.MemoryOK,
			"disk_ok", result.DiskOK,
			"cpu_ok", result.CPUOK,
			"warnings", result.Warnings,
		)
		g.metrics.RecordResourceGateWait()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		wait := g.thresholds.PollInterval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Limits derives the parallelism the host can sustain from logical CPU
// count and available memory
func (g *Gate) Limits() Limits {
	jobs := g.sampler.LogicalCPUs()
	if jobs > 8 {
		jobs = 8
	}
	if jobs < 1 {
		jobs = 1
	}

	availMB, err := g.sampler.AvailableMemoryMB()
	if err != nil {
		availMB = 0
	}

	switch {
	case availMB < 4096:
		jobs = 1
	case availMB < 8192:
		if jobs > 4 {
			jobs = 4
		}
	}

	return Limits{
		MaxParallelJobs: jobs,
		MemoryLimitMB:   int64(availMB * 0.75),
		DiskBufferGB:    g.thresholds.MinFreeDiskGB,
	}
}
