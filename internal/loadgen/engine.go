// Package loadgen resolves per-request load parameters and generates the load:
// a CPU burn, a memory ballast and a delay, always in that order.
package loadgen

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yihanhsi-cmu-S25/load-generator/internal/log"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/statx"
)

// Phase names a load phase.
type Phase string

const (
	PhaseCPU    Phase = "cpu"
	PhaseMemory Phase = "memory"
	PhaseDelay  Phase = "delay"
)

// Result describes what Run actually did. It feeds logs and tests only.
type Result struct {
	Phases       []Phase
	CPUElapsed   time.Duration
	CPUUnits     int64
	BallastBytes uint64
	MemoryErr    error
	DelayElapsed time.Duration
	Interrupted  bool
}

// Engine runs the load phases of a request. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	probe statx.Probe
}

// Option configures an Engine.
type Option func(*Engine)

// WithProbe sets the probe used to guard allocations and enrich logs.
func WithProbe(p statx.Probe) Option {
	return func(e *Engine) {
		e.probe = p
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the CPU, memory and delay phases of req in order. Phases with a
// zero parameter are skipped silently. ctx only ends a phase early when it is
// cancelled; any ballast stays on req until req.Release.
func (e *Engine) Run(ctx context.Context, req *Request) Result {
	var res Result

	if req.CPULoadSeconds > 0 {
		res.Phases = append(res.Phases, PhaseCPU)
		e.cpuPhase(ctx, req, &res)
	}
	if req.MemoryLoadMB > 0 {
		res.Phases = append(res.Phases, PhaseMemory)
		e.memoryPhase(ctx, req, &res)
	}
	if req.DelaySeconds > 0 {
		res.Phases = append(res.Phases, PhaseDelay)
		e.delayPhase(ctx, req, &res)
	}

	log.G(ctx).Info("Request processed.")
	return res
}

func (e *Engine) cpuPhase(ctx context.Context, req *Request, res *Result) {
	entry := log.G(ctx).WithField("cpu_load_seconds", req.CPULoadSeconds)
	entry.Infof("Generating CPU load for %d seconds...", req.CPULoadSeconds)

	before := e.cpuTime(entry)
	start := time.Now()
	res.CPUUnits = burnCPU(ctx, req.cpuDuration())
	res.CPUElapsed = time.Since(start)
	if ctx.Err() != nil {
		res.Interrupted = true
	}

	fields := logrus.Fields{
		"elapsed":    res.CPUElapsed,
		"work_units": res.CPUUnits,
	}
	if before >= 0 {
		if after := e.cpuTime(entry); after >= 0 {
			fields["process_cpu_time"] = after - before
		}
	}
	if res.Interrupted {
		fields["interrupted"] = true
	}
	entry.WithFields(fields).Info("CPU load finished.")
}

func (e *Engine) memoryPhase(ctx context.Context, req *Request, res *Result) {
	entry := log.G(ctx).WithField("memory_load_mb", req.MemoryLoadMB)
	entry.Infof("Generating Memory load of %d MB...", req.MemoryLoadMB)

	b, err := e.allocate(entry, ballastBytes(req.MemoryLoadMB))
	if err != nil {
		res.MemoryErr = err
		entry.WithError(err).Error("Memory allocation failed")
	} else {
		req.ballast = b
		res.BallastBytes = b.Size()

		allocated := entry.WithField("ballast_bytes", b.Size())
		if e.probe != nil {
			if rss, err := e.probe.ResidentMemory(); err == nil {
				allocated = allocated.WithField("rss_mb", log.MB(rss))
			}
		}
		allocated.Infof("Allocated %.2f MB of memory.", log.MB(b.Size()))
	}

	entry.Info("Memory load finished.")
}

func (e *Engine) allocate(entry *logrus.Entry, size uint64) (*Ballast, error) {
	if e.probe != nil {
		avail, err := e.probe.AvailableMemory()
		switch {
		case err != nil:
			entry.WithError(err).Warn("could not read available memory, allocating anyway")
		case size > avail:
			return nil, errors.Wrapf(ErrInsufficientMemory, "requested %d bytes, %d available", size, avail)
		}
	}
	return newBallast(size)
}

func (e *Engine) delayPhase(ctx context.Context, req *Request, res *Result) {
	entry := log.G(ctx).WithField("delay_seconds", req.DelaySeconds)
	entry.Infof("Introducing delay for %v seconds...", req.DelaySeconds)

	start := time.Now()
	completed := sleep(ctx, req.delayDuration())
	res.DelayElapsed = time.Since(start)
	if !completed {
		res.Interrupted = true
		entry = entry.WithField("interrupted", true)
	}

	entry.WithField("elapsed", res.DelayElapsed).Info("Delay finished.")
}

// sleep blocks for d. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cpuTime returns the process CPU time, or -1 when unknown.
func (e *Engine) cpuTime(entry *logrus.Entry) time.Duration {
	if e.probe == nil {
		return -1
	}
	d, err := e.probe.CPUTime()
	if err != nil {
		entry.WithError(err).Debug("could not read process cpu time")
		return -1
	}
	return d
}
