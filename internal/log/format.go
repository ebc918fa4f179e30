package log

import "time"

const TimeFormat = time.RFC3339Nano

// MB converts a byte count to megabytes for log fields.
func MB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
