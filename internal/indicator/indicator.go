// Package indicator derives the LED state the original firmware shows on
// its front-panel indicator (§9 supplemented feature) purely as a
// function of three arbitrator events. No LED driver is implemented —
// this package only exposes the mapping, for consumption by the
// out-of-scope console.
package indicator

import "github.com/sealane/buoyctl/internal/arbitrator"

// State is one of the firmware's three indicator colors.
type State int

const (
	// Blue: waiting for first GNSS fix, time not yet synced.
	Blue State = iota
	// Yellow: time synced but the scheduler is paused (console active).
	Yellow
	// Green: time synced and the scheduler is running normally.
	Green
)

func (s State) String() string {
	switch s {
	case Blue:
		return "blue"
	case Yellow:
		return "yellow"
	case Green:
		return "green"
	default:
		return "unknown"
	}
}

// Derive computes the indicator State from the arbitrator's current
// event values.
func Derive(arb *arbitrator.Arbitrator) State {
	if !arb.TimeSynced.IsSet() {
		return Blue
	}
	if !arb.SchedulerRunning.IsSet() {
		return Yellow
	}
	return Green
}
