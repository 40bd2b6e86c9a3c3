package stream

import (
	"context"

	"github.com/looplab/fsm"
)

const (
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
)

// newStatusMachine declares the record lifecycle:
//
//	pending --start--> streaming --complete--> completed
//	pending|streaming --fail--> error
//
// Content deltas are not transitions; they are only accepted in streaming.
func newStatusMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusPending),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StatusPending)}, Dst: string(StatusStreaming)},
			{Name: eventComplete, Src: []string{string(StatusStreaming)}, Dst: string(StatusCompleted)},
			{Name: eventFail, Src: []string{string(StatusPending), string(StatusStreaming)}, Dst: string(StatusError)},
		},
		fsm.Callbacks{},
	)
}

// transitionLocked fires event if the current state allows it. r.mu must be held.
func (r *record) transitionLocked(event string) bool {
	if !r.sm.Can(event) {
		return false
	}
	return r.sm.Event(context.Background(), event) == nil
}

func (r *record) statusLocked() Status {
	return Status(r.sm.Current())
}
