// Package netproto implements the Channel's network-management protocol:
// the sign-on / echo / sign-off state machine driven over a Channel's
// sockets (spec §4.4). The FSM is a pure function over a transition table,
// with no knowledge of sockets, timers, or the wire codec — the caller
// executes whatever Actions the transition names.
package netproto

import "fmt"

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// State — spec §3 "Channel state"
// -------------------------------------------------------------------------

// State is a Channel's network-management state (spec §3).
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSigningOn
	StateSignedOn
	StateSigningOff
	StateFailed
)

var stateNames = [...]string{
	"DISCONNECTED",
	"CONNECTING",
	"CONNECTED",
	"SIGNING_ON",
	"SIGNED_ON",
	"SIGNING_OFF",
	"FAILED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// -------------------------------------------------------------------------
// Event
// -------------------------------------------------------------------------

// Event is an input to the FSM: a socket event or a received/sent
// network-management message.
type Event uint8

const (
	EventConnect Event = iota
	EventSocketsUp
	EventSendSignOn
	EventSignOnAccepted // SIGN_ON_RSP rc=00
	EventSignOnRejected // SIGN_ON_RSP rc!=00
	EventSendSignOff
	EventSignOffConfirmed
	EventSocketError
	EventBackoffElapsed
)

var eventNames = [...]string{
	"Connect",
	"SocketsUp",
	"SendSignOn",
	"SignOnAccepted",
	"SignOnRejected",
	"SendSignOff",
	"SignOffConfirmed",
	"SocketError",
	"BackoffElapsed",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf(unknownFmt, uint8(e))
}

// -------------------------------------------------------------------------
// Action
// -------------------------------------------------------------------------

// Action is a side-effect the caller must perform after a transition.
type Action uint8

const (
	ActionOpenSockets Action = iota + 1
	ActionSendSignOnReq
	ActionSendSignOffReq
	ActionNotifyUp
	ActionNotifyDown
	ActionScheduleReconnect
	ActionFlushTracesChannelClosed
)

var actionNames = [...]string{
	"",
	"OpenSockets",
	"SendSignOnReq",
	"SendSignOffReq",
	"NotifyUp",
	"NotifyDown",
	"ScheduleReconnect",
	"FlushTracesChannelClosed",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf(unknownFmt, uint8(a))
}

// -------------------------------------------------------------------------
// Transition table
// -------------------------------------------------------------------------

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an Event to the FSM.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// table is the complete network-management FSM, spec §4.4:
//
//	DISCONNECTED -- connect() --> CONNECTING
//	CONNECTING -- both sockets up --> CONNECTED
//	CONNECTED -- send SIGN_ON_REQ --> SIGNING_ON
//	SIGNING_ON -- SIGN_ON_RSP rc=00 --> SIGNED_ON
//	SIGNED_ON -- send SIGN_OFF_REQ --> SIGNING_OFF
//	SIGNING_OFF -- SIGN_OFF_RSP --> DISCONNECTED
//	any -- socket error / rc != 00 --> FAILED
//	FAILED -- backoff elapsed --> CONNECTING
var table = map[stateEvent]transition{
	{StateDisconnected, EventConnect}: {StateConnecting, []Action{ActionOpenSockets}},

	{StateConnecting, EventSocketsUp}: {StateConnected, nil},
	{StateConnecting, EventSocketError}: {StateFailed, []Action{ActionFlushTracesChannelClosed, ActionScheduleReconnect}},

	{StateConnected, EventSendSignOn}: {StateSigningOn, []Action{ActionSendSignOnReq}},
	{StateConnected, EventSocketError}: {StateFailed, []Action{ActionFlushTracesChannelClosed, ActionScheduleReconnect}},

	{StateSigningOn, EventSignOnAccepted}: {StateSignedOn, []Action{ActionNotifyUp}},
	{StateSigningOn, EventSignOnRejected}: {StateFailed, []Action{ActionFlushTracesChannelClosed, ActionScheduleReconnect}},
	{StateSigningOn, EventSocketError}:    {StateFailed, []Action{ActionFlushTracesChannelClosed, ActionScheduleReconnect}},

	{StateSignedOn, EventSendSignOff}: {StateSigningOff, []Action{ActionSendSignOffReq}},
	{StateSignedOn, EventSocketError}: {StateFailed, []Action{ActionNotifyDown, ActionFlushTracesChannelClosed, ActionScheduleReconnect}},

	{StateSigningOff, EventSignOffConfirmed}: {StateDisconnected, []Action{ActionNotifyDown, ActionFlushTracesChannelClosed}},
	{StateSigningOff, EventSocketError}:      {StateFailed, []Action{ActionNotifyDown, ActionFlushTracesChannelClosed, ActionScheduleReconnect}},

	{StateFailed, EventBackoffElapsed}: {StateConnecting, []Action{ActionOpenSockets}},
}

// ApplyEvent is a pure function: given the current state and an incoming
// event, it returns the transition's outcome without executing any
// side-effect. Unlisted (state, event) pairs are ignored — the caller gets
// back the unchanged state with no actions.
func ApplyEvent(current State, event Event) Result {
	tr, ok := table[stateEvent{current, event}]
	if !ok {
		return Result{OldState: current, NewState: current}
	}
	return Result{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
	}
}

// UserTrafficAllowed reports whether s permits application traffic (spec
// §3: "Only the SIGNED_ON state permits user traffic").
func UserTrafficAllowed(s State) bool { return s == StateSignedOn }
