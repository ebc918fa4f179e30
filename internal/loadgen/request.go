package loadgen

import "time"

// Request is the resolved load for one inbound HTTP request.
type Request struct {
	CPULoadSeconds int
	MemoryLoadMB   int
	DelaySeconds   float64

	// ballast is retained here, not in a local, so it stays reachable until Release.
	ballast *Ballast
}

// Ballast returns the memory held by the request, or nil.
func (r *Request) Ballast() *Ballast {
	return r.ballast
}

// Release drops the ballast so the collector can reclaim it.
func (r *Request) Release() {
	r.ballast = nil
}

func (r *Request) cpuDuration() time.Duration {
	return time.Duration(r.CPULoadSeconds) * time.Second
}

func (r *Request) delayDuration() time.Duration {
	return time.Duration(r.DelaySeconds * float64(time.Second))
}
