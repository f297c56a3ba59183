package transfer

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a transfer phase.
type State string

const (
	StateOff           State = "off"
	StateIdle          State = "idle"
	StateReceive       State = "receive"
	StateReceiveErr    State = "receive_err"
	StateWrite         State = "write"
	StateWriteSettings State = "write_settings"
	StateFwCheck       State = "fw_check"
	StateUpgradeReport State = "upgrade_report"
	StateResetPrepare  State = "reset_prepare"
)

// States lists every phase in protocol order.
var States = []State{
	StateOff, StateIdle, StateReceive, StateReceiveErr, StateWrite,
	StateWriteSettings, StateFwCheck, StateUpgradeReport, StateResetPrepare,
}

const (
	evAuth          = "auth"
	evReport        = "report"
	evReported      = "reported"
	evReportedOff   = "reported_off"
	evAccept        = "accept"
	evWrite         = "write"
	evWritten       = "written"
	evSettings      = "settings"
	evSettled       = "settled"
	evComplete      = "complete"
	evDiscontinuity = "discontinuity"
	evResent        = "resent"
	evVerified      = "verified"
	evAbort         = "abort"
)

// allowed is the inbound command allow-list. States not listed accept
// nothing.
var allowed = map[State][]Cmd{
	StateIdle:    {CmdVersionQuery, CmdUpgradeRequest},
	StateReceive: {CmdData, CmdQuerySize},
	StateFwCheck: {CmdFinish},
}

// Allowed reports whether cmd may be processed in state s.
func Allowed(s State, cmd Cmd) bool {
	for _, c := range allowed[s] {
		if c == cmd {
			return true
		}
	}
	return false
}

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func newFSM(enter func(ctx context.Context, e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateOff),
		fsm.Events{
			{Name: evAuth, Src: names(StateOff), Dst: string(StateIdle)},
			{Name: evReport, Src: names(StateOff), Dst: string(StateUpgradeReport)},
			{Name: evReported, Src: names(StateUpgradeReport), Dst: string(StateIdle)},
			{Name: evReportedOff, Src: names(StateUpgradeReport), Dst: string(StateOff)},
			{Name: evAccept, Src: names(StateIdle), Dst: string(StateReceive)},
			{Name: evWrite, Src: names(StateReceive), Dst: string(StateWrite)},
			{Name: evWritten, Src: names(StateWrite), Dst: string(StateReceive)},
			{Name: evSettings, Src: names(StateWrite), Dst: string(StateWriteSettings)},
			{Name: evSettled, Src: names(StateWriteSettings), Dst: string(StateReceive)},
			{Name: evComplete, Src: names(StateWriteSettings, StateReceive), Dst: string(StateFwCheck)},
			{Name: evDiscontinuity, Src: names(StateReceive), Dst: string(StateReceiveErr)},
			{Name: evResent, Src: names(StateReceiveErr), Dst: string(StateReceive)},
			{Name: evVerified, Src: names(StateFwCheck), Dst: string(StateResetPrepare)},
			{Name: evAbort, Src: names(StateReceive, StateReceiveErr, StateWrite, StateWriteSettings, StateFwCheck), Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": enter,
		},
	)
}
