// Package policy implements the pure scaling decision function: given
// the current input and output backlog loads, it returns a direction and
// a magnitude. It has no side effects and no dependencies — a given pair
// of loads always yields the same decision.
package policy

// Direction is the scaling action a Decide call recommends.
type Direction int

const (
	Hold Direction = iota
	Up
	Down
)

// String renders the direction the way it appears on the supervisor's
// status line.
func (d Direction) String() string {
	switch d {
	case Up:
		return "Scaled Up"
	case Down:
		return "Scaled Down"
	default:
		return "Consistent"
	}
}

// tier buckets a backlog load into one of four fixed tiers. Each tier's
// lower bound is inclusive: a load exactly at 0.40, 0.75, or 1.00 falls
// into the upper tier.
type tier int

const (
	tierL tier = iota // load < 0.40
	tierM             // 0.40 <= load < 0.75
	tierH             // 0.75 <= load < 1.00
	tierC             // load >= 1.00
)

func tierOf(load float64) tier {
	switch {
	case load >= 1.00:
		return tierC
	case load >= 0.75:
		return tierH
	case load >= 0.40:
		return tierM
	default:
		return tierL
	}
}

// Decide maps input/output backlog loads to a scaling action. load is
// expected to be queueDepth / BlockingLimit, computed by the caller.
//
// The gap between the input tier and the output tier determines the
// magnitude: equal tiers hold, and a gap of 1, 2 or 3 tiers yields the
// odd magnitudes 1, 3 or 5 (2*gap - 1). This is the tier-index-gap
// reformulation of the original "count the 9s in the difference of two
// decimal codes" trick — same magnitudes, no float-decimal inspection.
func Decide(inLoad, outLoad float64) (Direction, int) {
	x := tierOf(inLoad)
	y := tierOf(outLoad)

	gap := int(x) - int(y)
	if gap == 0 {
		return Hold, 0
	}

	abs := gap
	if abs < 0 {
		abs = -abs
	}
	magnitude := 2*abs - 1

	if gap > 0 {
		return Up, magnitude
	}
	return Down, magnitude
}
