package loadgen

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// workUnitSize is the number of squares summed per unit of CPU work.
const workUnitSize = 10000

// sink absorbs every work result so the loop body cannot be optimized away.
var sink atomic.Uint64

func sumSquares(seed uint64) uint64 {
	var s uint64
	for i := uint64(0); i < workUnitSize; i++ {
		v := seed + i
		s += v * v
	}
	return s
}

// burnCPU keeps the calling goroutine busy until d has elapsed or ctx is done.
// It never sleeps or yields; it returns the number of work units executed.
func burnCPU(ctx context.Context, d time.Duration) int64 {
	var (
		start = time.Now()
		units int64
		acc   uint64
	)
	for time.Since(start) < d {
		acc += sumSquares(uint64(units))
		units++
		if ctx.Err() != nil {
			break
		}
	}
	sink.Add(acc)
	return units
}
