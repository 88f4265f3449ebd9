package modbusclient

import (
	"fmt"
	"strings"
)

// Method selects the physical transport and framing of a connection.
type Method int

const (
	MethodTCP Method = iota + 1
	MethodUDP
	MethodRTU
	MethodASCII
)

func (m Method) String() string {
	switch m {
	case MethodTCP:
		return "tcp"
	case MethodUDP:
		return "udp"
	case MethodRTU:
		return "rtu"
	case MethodASCII:
		return "ascii"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// IsSerial reports whether the method runs over a serial line.
func (m Method) IsSerial() bool {
	return m == MethodRTU || m == MethodASCII
}

// ParseMethod converts "tcp", "udp", "rtu" or "ascii" to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return MethodTCP, nil
	case "udp":
		return MethodUDP, nil
	case "rtu":
		return MethodRTU, nil
	case "ascii":
		return MethodASCII, nil
	}
	return 0, &ConfigurationError{Op: "parse method", Err: fmt.Errorf("%w: %q", ErrInvalidMethod, s)}
}

// Access selects the register table a read goes to.
type Access int

const (
	AccessHolding Access = iota + 1
	AccessInput
)

func (a Access) String() string {
	switch a {
	case AccessHolding:
		return "holding"
	case AccessInput:
		return "input"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// Valid reports whether a is one of the supported access kinds.
func (a Access) Valid() bool {
	return a == AccessHolding || a == AccessInput
}

// ParseAccess converts "holding" or "input" to an Access.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(s) {
	case "holding":
		return AccessHolding, nil
	case "input":
		return AccessInput, nil
	}
	return 0, &ConfigurationError{Op: "parse access", Err: fmt.Errorf("%w: %q", ErrInvalidAccessKind, s)}
}

// State is the connection state of a transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
