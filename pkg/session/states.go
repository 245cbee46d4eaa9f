package session

import (
	"context"

	"github.com/looplab/fsm"

	"rpicam/pkg/display"
)

const (
	StateInitializing = "initializing"
	StatePreviewing   = "previewing"
	StateCapturing    = "capturing"
	StateRecording    = "recording"
	StateSwitching    = "switching"
	StateRecovering   = "recovering"
	StateUnavailable  = display.StateUnavailable
	StateShuttingDown = "shutting_down"
	StateTerminated   = "terminated"
)

const (
	eventReady     = "ready"
	eventCapture   = "capture"
	eventRecord    = "record"
	eventSwitch    = "switch"
	eventDone      = "done"
	eventFault     = "fault"
	eventFail      = "fail"
	eventShutdown  = "shutdown"
	eventTerminate = "terminate"
)

func newFSM(onEnter func(src, dst string)) *fsm.FSM {
	return fsm.NewFSM(
		StateInitializing,
		fsm.Events{
			{Name: eventReady, Src: []string{StateInitializing}, Dst: StatePreviewing},
			{Name: eventCapture, Src: []string{StatePreviewing}, Dst: StateCapturing},
			{Name: eventRecord, Src: []string{StatePreviewing}, Dst: StateRecording},
			{Name: eventSwitch, Src: []string{StatePreviewing, StateUnavailable}, Dst: StateSwitching},
			{Name: eventDone, Src: []string{StateCapturing, StateRecording, StateSwitching, StateRecovering}, Dst: StatePreviewing},
			{Name: eventFault, Src: []string{StateCapturing, StateRecording, StateSwitching}, Dst: StateRecovering},
			{Name: eventFail, Src: []string{StateInitializing, StateRecovering, StateSwitching}, Dst: StateUnavailable},
			{Name: eventShutdown, Src: []string{
				StateInitializing, StatePreviewing, StateCapturing, StateRecording,
				StateSwitching, StateRecovering, StateUnavailable,
			}, Dst: StateShuttingDown},
			{Name: eventTerminate, Src: []string{StateShuttingDown}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Src, e.Dst)
			},
		},
	)
}
