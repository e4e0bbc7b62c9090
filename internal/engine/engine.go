// Package engine is the contract between the DHCP client adapter and the network stack
// that runs the DHCP protocol state machine.
//
// The engine owns its timers, retransmissions and lease state. The adapter only
// drives it through this interface and mirrors its state on demand.
package engine

import (
	"fmt"
	"net"
	"net/netip"
)

// State is the engine's native DHCP client state.
type State uint8

const (
	StateOff             State = 0
	StateRequesting      State = 1
	StateInit            State = 2
	StateRebooting       State = 3
	StateRebinding       State = 4
	StateRenewing        State = 5
	StateSelecting       State = 6
	StateInforming       State = 7
	StateChecking        State = 8
	StatePermanent       State = 9
	StateBound           State = 10
	StateReleasingUnused State = 11
	StateBackingOff      State = 12
)

var stateNames = map[State]string{
	StateOff:             "OFF",
	StateRequesting:      "REQUESTING",
	StateInit:            "INIT",
	StateRebooting:       "REBOOTING",
	StateRebinding:       "REBINDING",
	StateRenewing:        "RENEWING",
	StateSelecting:       "SELECTING",
	StateInforming:       "INFORMING",
	StateChecking:        "CHECKING",
	StatePermanent:       "PERMANENT",
	StateBound:           "BOUND",
	StateReleasingUnused: "RELEASING_UNUSED",
	StateBackingOff:      "BACKING_OFF",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}

	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Err is a native engine error code.
type Err int8

const (
	ErrOK         Err = 0
	ErrMem        Err = -1
	ErrBuf        Err = -2
	ErrTimeout    Err = -3
	ErrRoute      Err = -4
	ErrInProgress Err = -5
	ErrVal        Err = -6
	ErrWouldBlock Err = -7
	ErrUse        Err = -8
	ErrAlready    Err = -9
	ErrIsConn     Err = -10
	ErrConn       Err = -11
	ErrIf         Err = -12
	ErrAbort      Err = -13
	ErrReset      Err = -14
	ErrClosed     Err = -15
	ErrArg        Err = -16
)

var errNames = map[Err]string{
	ErrOK:         "ok",
	ErrMem:        "out of memory",
	ErrBuf:        "buffer error",
	ErrTimeout:    "timeout",
	ErrRoute:      "routing problem",
	ErrInProgress: "operation in progress",
	ErrVal:        "illegal value",
	ErrWouldBlock: "operation would block",
	ErrUse:        "address in use",
	ErrAlready:    "already connecting",
	ErrIsConn:     "already connected",
	ErrConn:       "not connected",
	ErrIf:         "low-level netif error",
	ErrAbort:      "connection aborted",
	ErrReset:      "connection reset",
	ErrClosed:     "connection closed",
	ErrArg:        "illegal argument",
}

func (e Err) Error() string {
	if n, ok := errNames[e]; ok {
		return "engine: " + n
	}

	return fmt.Sprintf("engine: error %d", int8(e))
}

// Option is one entry of the option buffer handed to the engine. The engine
// adds these to the messages it sends.
type Option struct {
	Code  uint8
	Value []byte
}

// Interface is the live address configuration of the network interface.
type Interface struct {
	HardwareAddr net.HardwareAddr
	IP           netip.Addr
	Netmask      netip.Addr
	Gateway      netip.Addr
	MTU          int
}

// Cache holds the last Discover, Offer and Ack exchanged by the engine, in wire format.
type Cache struct {
	Discover []byte
	Offer    []byte
	Ack      []byte
}

// Engine drives a DHCP client bound to one network interface.
//
// SetOptions, Start, Renew, Release and Stop return an Err or nil.
// The status callback is invoked from the engine's own worker goroutine on
// every state transition.
type Engine interface {
	// State returns the client state. ok is false when no DHCP client is attached.
	State() (s State, ok bool)
	XID() uint32
	Interface() Interface
	ServerAddr() netip.Addr
	Cache() Cache
	SetOptions(opts []Option) error
	ClearOptions()
	Start(opts []Option) error
	Renew() error
	Release() error
	Stop() error
	SetStatusCallback(fn func(State))
}
