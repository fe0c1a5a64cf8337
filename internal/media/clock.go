package media

import "time"

var epoch = time.Now()

// Now returns the current time on the process-wide media clock. The clock is
// monotonic and starts near zero when the process starts; every capture
// source stamps samples with it so video and audio share one timeline.
func Now() time.Duration {
	return time.Since(epoch)
}
