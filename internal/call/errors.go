package call

import "errors"

var (
	ErrAlreadyInCall   = errors.New("call: already in a call")
	ErrNoActiveCall    = errors.New("call: no active call")
	ErrInvalidState    = errors.New("call: action not allowed in current state")
	ErrActionInFlight  = errors.New("call: another action is in progress")
	ErrBusy            = errors.New("call: busy with another call")
	ErrInvalidArgument = errors.New("call: invalid argument")
	ErrCallChanged     = errors.New("call: call ended while action was in progress")
	ErrClosed          = errors.New("call: machine closed")
	ErrServer          = errors.New("call: server reported an error")
)
