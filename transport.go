package modbusclient

import (
	"errors"
	"time"

	"github.com/goburrow/modbus"
)

// logger is the interface to the required logging functions
type logger interface {
	Printf(format string, v ...interface{})
}

// Transport is a physical connection carrying Modbus frames. Framing is
// done by the codec, a Transport only moves complete ADUs.
type Transport interface {
	modbus.Transporter
	Connect() error
	Close() error
	// Timeout returns the per exchange timeout in effect.
	Timeout() time.Duration
	// SetTimeout changes the timeout. A connected transport applies it to
	// the live connection, otherwise it is used on the next connect.
	SetTimeout(d time.Duration)
	State() State
	Method() Method
	Address() string
}

// framer is the codec half of a client: the Modbus library packagers with
// a settable unit identifier.
type framer interface {
	modbus.Packager
	setUnit(id byte)
}

// Only the packager half of the library handlers is used; their
// transporters are never connected.
type tcpFramer struct{ *modbus.TCPClientHandler }

func (f tcpFramer) setUnit(id byte) { f.SlaveId = id }

type rtuFramer struct{ *modbus.RTUClientHandler }

func (f rtuFramer) setUnit(id byte) { f.SlaveId = id }

type asciiFramer struct{ *modbus.ASCIIClientHandler }

func (f asciiFramer) setUnit(id byte) { f.SlaveId = id }

func newFramer(m Method) framer {
	switch m {
	case MethodRTU:
		return rtuFramer{modbus.NewRTUClientHandler("")}
	case MethodASCII:
		return asciiFramer{modbus.NewASCIIClientHandler("")}
	default:
		// Modbus over UDP uses the MBAP header like TCP.
		return tcpFramer{modbus.NewTCPClientHandler("")}
	}
}

// markedTransporter tags transport failures so an exchange can tell I/O
// errors apart from codec errors. Frame errors stay untagged.
type markedTransporter struct {
	t Transport
}

func (m markedTransporter) Send(aduRequest []byte) ([]byte, error) {
	aduResponse, err := m.t.Send(aduRequest)
	if err != nil {
		var fe *frameError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &sendError{err: err}
	}
	return aduResponse, nil
}

// deadline returns the absolute deadline for a timeout starting at now, or
// the zero time when the timeout is disabled.
func deadline(now time.Time, timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return now.Add(timeout)
}
