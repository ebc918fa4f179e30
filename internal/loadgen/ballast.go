package loadgen

import (
	"github.com/pkg/errors"
)

const (
	bytesPerMB = 1024 * 1024
	// elemSize is the ballast granularity: one int64 per element.
	elemSize = 8
	// pageElems is the stride used to fault in every page of the ballast.
	pageElems = 4096 / elemSize
)

// ErrInsufficientMemory is the cause of every failed ballast allocation.
var ErrInsufficientMemory = errors.New("insufficient memory")

// Ballast is memory held on purpose so external monitors see the process grow.
type Ballast struct {
	words []int64
}

// Size is the realized ballast size in bytes.
func (b *Ballast) Size() uint64 {
	if b == nil {
		return 0
	}
	return uint64(len(b.words)) * elemSize
}

func ballastBytes(mb int) uint64 {
	return uint64(mb) * bytesPerMB
}

// newBallast allocates size bytes rounded down to elemSize and writes one word
// per page so the memory is resident rather than only reserved.
func newBallast(size uint64) (b *Ballast, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = errors.Wrapf(ErrInsufficientMemory, "allocating %d bytes: %v", size, r)
		}
	}()

	words := make([]int64, size/elemSize)
	for i := 0; i < len(words); i += pageElems {
		words[i] = int64(i) | 1
	}
	return &Ballast{words: words}, nil
}
