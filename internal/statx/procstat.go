// Package statx samples host and process resource usage with gopsutil.
// The samples only enrich log lines and guard allocations; nothing is aggregated.
package statx

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Probe reports the resource figures the load engine consults.
type Probe interface {
	// AvailableMemory returns the bytes the host can hand out without swapping.
	AvailableMemory() (uint64, error)
	// ResidentMemory returns the resident set size of this process.
	ResidentMemory() (uint64, error)
	// CPUTime returns user+system CPU time consumed by this process so far.
	CPUTime() (time.Duration, error)
}

// ProcProbe is the gopsutil backed Probe for the current process.
type ProcProbe struct {
	proc *process.Process
}

var _ Probe = (*ProcProbe)(nil)

// NewProcProbe returns a probe bound to the running process.
func NewProcProbe() (*ProcProbe, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open current process")
	}
	return &ProcProbe{proc: p}, nil
}

func (p *ProcProbe) AvailableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read virtual memory")
	}
	return vm.Available, nil
}

func (p *ProcProbe) ResidentMemory() (uint64, error) {
	mi, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read process memory")
	}
	return mi.RSS, nil
}

func (p *ProcProbe) CPUTime() (time.Duration, error) {
	ts, err := p.proc.Times()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read process cpu times")
	}
	return time.Duration((ts.User + ts.System) * float64(time.Second)), nil
}

// Host is a point-in-time summary of the machine, logged at startup.
type Host struct {
	LogicalCores  int
	PhysicalCores int
	TotalMemory   uint64
	AvailMemory   uint64
}

// HostInfo collects core counts and memory totals.
func HostInfo() (Host, error) {
	var h Host

	logical, err := cpu.Counts(true)
	if err != nil {
		return h, errors.Wrap(err, "failed to count logical cpus")
	}
	// Physical counts are unavailable in some containers; zero means unknown.
	physical, _ := cpu.Counts(false)
	vm, err := mem.VirtualMemory()
	if err != nil {
		return h, errors.Wrap(err, "failed to read virtual memory")
	}

	h.LogicalCores = logical
	h.PhysicalCores = physical
	h.TotalMemory = vm.Total
	h.AvailMemory = vm.Available
	return h, nil
}
