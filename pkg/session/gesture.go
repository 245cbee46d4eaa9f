package session

import "time"

const (
	DefaultTapWindow    = 2 * time.Second
	DefaultTapThreshold = 5
)

// TapDetector fires when threshold taps arrive with no gap longer than window.
// It is not safe for concurrent use; the command processor owns it.
type TapDetector struct {
	window    time.Duration
	threshold int

	count int
	last  time.Time
}

func NewTapDetector(window time.Duration, threshold int) *TapDetector {
	return &TapDetector{window: window, threshold: threshold}
}

// Tap records a tap at now and reports whether it completed the gesture.
func (d *TapDetector) Tap(now time.Time) bool {
	if now.Sub(d.last) > d.window {
		d.count = 1
	} else {
		d.count++
	}
	d.last = now
	if d.count >= d.threshold {
		d.count = 0
		return true
	}

	return false
}

func (d *TapDetector) Count() int {
	return d.count
}
