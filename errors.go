package modbusclient

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

// ErrInvalidAccessKind is wrapped by the ConfigurationError returned for a
// register access kind other than holding or input.
var ErrInvalidAccessKind = errors.New("modbusclient: invalid register access kind")

// ErrInvalidMethod is wrapped by the ConfigurationError returned for an
// unknown or unsupported transport method.
var ErrInvalidMethod = errors.New("modbusclient: invalid method")

// ConfigurationError reports parameters rejected before any I/O took place.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("modbusclient: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError reports a failed connect. Callers probing a range of
// addresses usually skip the address and carry on.
type ConnectionError struct {
	Method  Method
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("modbusclient: could not connect %s %s: %v", e.Method, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a response that was received but not acceptable:
// an exception reply, a checksum mismatch or a malformed frame.
type ProtocolError struct {
	Unit byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbusclient: unit %d: %v", e.Unit, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ExceptionCode returns the Modbus exception code carried by the reply, or
// 0 when the error is not an exception reply.
func (e *ProtocolError) ExceptionCode() byte {
	var mbErr *modbus.ModbusError
	if errors.As(e.Err, &mbErr) {
		return mbErr.ExceptionCode
	}
	return 0
}

// LifecycleError is the panic value raised on reference counting misuse.
type LifecycleError struct {
	Op   string
	Name string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("modbusclient: %s on released handle %s", e.Op, e.Name)
}

// sendError marks errors produced by a transport while moving bytes, so
// they can be told apart from codec errors after the exchange.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return e.err.Error() }

func (e *sendError) Unwrap() error { return e.err }

// frameError marks a reply the transport received but could not frame or
// match with its request. The exchange reports it as a ProtocolError.
type frameError struct {
	err error
}

func (e *frameError) Error() string { return e.err.Error() }

func (e *frameError) Unwrap() error { return e.err }
