package actionqueue

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventRetry   = "retry"
	eventFail    = "fail"
)

// Transition describes one state change of a command.
type Transition struct {
	TaskID     string
	Kind       types.CommandKind
	From       types.CommandState
	To         types.CommandState
	RetryCount int
}

// newMachine builds the per-command state machine:
//
//	QUEUED -> RUNNING -> SUCCEEDED
//	                  -> FAILED_RETRYING -> RUNNING
//	                  -> FAILED_TERMINAL
//
// A command abandoned during its retry sleep goes FAILED_RETRYING -> FAILED_TERMINAL.
func newMachine(onEnter func(from, to types.CommandState)) *fsm.FSM {
	return fsm.NewFSM(
		string(types.StateQueued),
		fsm.Events{
			{Name: eventStart, Src: []string{string(types.StateQueued), string(types.StateFailedRetrying)}, Dst: string(types.StateRunning)},
			{Name: eventSucceed, Src: []string{string(types.StateRunning)}, Dst: string(types.StateSucceeded)},
			{Name: eventRetry, Src: []string{string(types.StateRunning)}, Dst: string(types.StateFailedRetrying)},
			{Name: eventFail, Src: []string{string(types.StateRunning), string(types.StateFailedRetrying)}, Dst: string(types.StateFailedTerminal)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(types.CommandState(e.Src), types.CommandState(e.Dst))
			},
		},
	)
}
