package scan

import "github.com/cjeanneret/shgscan/internal/hw/mount"

// Phase is a state of the scan state machine.
type Phase int

const (
	Idle Phase = iota
	SlewingToStartEdge
	PadAtStart
	Capturing
	PadAtEnd
	ReturningBidirectional
	ReturningFastThenPad
	BetweenCycles
	ReturningToMidpoint
	Complete
	Aborting
	Aborted
)

var phaseNames = [...]string{
	Idle:                   "Idle",
	SlewingToStartEdge:     "SlewingToStartEdge",
	PadAtStart:             "PadAtStart",
	Capturing:              "Capturing",
	PadAtEnd:               "PadAtEnd",
	ReturningBidirectional: "ReturningBidirectional",
	ReturningFastThenPad:   "ReturningFastThenPad",
	BetweenCycles:          "BetweenCycles",
	ReturningToMidpoint:    "ReturningToMidpoint",
	Complete:               "Complete",
	Aborting:               "Aborting",
	Aborted:                "Aborted",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Phase(?)"
	}
	return phaseNames[p]
}

// Terminal reports whether the run is over.
func (p Phase) Terminal() bool {
	return p == Idle || p == Complete || p == Aborted
}

// Direction is the scan direction along the slew axis.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Mount maps Forward to positive motion on the scan axis.
func (d Direction) Mount() mount.Direction {
	if d == Reverse {
		return mount.Negative
	}
	return mount.Positive
}
