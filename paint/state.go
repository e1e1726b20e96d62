package paint

import "strconv"

// State is a state of the per-frame pass machine.
//
//	Pass(n) --ok--------------------------------------> Done
//	Pass(n) --needs bigger buffers--------------------> Pass(n)
//	Pass(0) --atlas full--> GrowingSync --------------> Pass(0)
//	Pass(0) --atlas full, growth fails--> DeferredGrowthQueued --> Done
//	Pass(0) --atlas full at max size, evict-----------> Pass(1)
//	Pass(n) --atlas full, n >= 1--> DeferredGrowthQueued --> Done
//	Pass(n) --atlas full at max size, n >= 1----------> Fatal
//	Pass(n) --GPU failure or unsatisfiable entry------> Fatal
//
// Every render attempt counts against the configured pass limit, so a
// frame always reaches Done or Fatal.
type State uint8

const (
	// StatePass runs one render pass.
	StatePass State = iota
	// StateGrowingSync grows the atlas before the frame continues.
	StateGrowingSync
	// StateDeferredGrowthQueued records a growth for the next frame and
	// lowers image quality for this one.
	StateDeferredGrowthQueued
	// StateDone presents what was rendered.
	StateDone
	// StateFatal abandons the frame.
	StateFatal
)

var stateNames = [...]string{
	StatePass:                 "pass",
	StateGrowingSync:          "growing-sync",
	StateDeferredGrowthQueued: "deferred-growth-queued",
	StateDone:                 "done",
	StateFatal:                "fatal",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether the frame ends in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFatal
}

// Step is one entry of a frame trace: the state entered and the pass
// index at that moment.
type Step struct {
	State State
	Pass  int
}

func (s Step) String() string {
	if s.State == StatePass {
		return "pass(" + strconv.Itoa(s.Pass) + ")"
	}
	return s.State.String()
}
