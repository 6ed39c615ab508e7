// Package clock provides the two time bases the metronome scheduler needs:
// a monotonic nanosecond reading for interval arithmetic and wall-clock
// milliseconds for client-facing timestamps. Keeping it behind an interface
// lets tests substitute a scripted clock.
package clock

import "time"

// Clock is the time source consumed by the scheduler and the room store.
type Clock interface {
	// NowNanos returns monotonic nanoseconds. Only differences between two
	// readings are meaningful; the origin is the process start.
	NowNanos() int64
	// NowMillis returns wall-clock milliseconds since the Unix epoch.
	NowMillis() int64
}

var base = time.Now()

// System reads the process clocks.
type System struct{}

func (System) NowNanos() int64 {
	return int64(time.Since(base))
}

func (System) NowMillis() int64 {
	return time.Now().UnixMilli()
}
