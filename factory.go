package modbusclient

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultPort = "502"

// Endpoint names a Modbus connection: a network address for tcp and udp, a
// serial device with line parameters for rtu and ascii.
type Endpoint struct {
	Method   Method
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	// Timeout of one exchange, the transport default when zero.
	Timeout time.Duration
}

// ParseEndpoint parses endpoint URLs such as
//
//	tcp://10.0.0.5:502
//	udp://10.0.0.5
//	rtu:///dev/ttyUSB0?baud=9600&parity=E
//	ascii://ttyS1?baud=19200&timeout=0.5
//
// A serial device given as host is looked up under /dev. The timeout
// accepts a duration ("500ms") or seconds ("0.5").
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, &ConfigurationError{Op: "parse endpoint", Err: err}
	}
	m, err := ParseMethod(u.Scheme)
	if err != nil {
		return Endpoint{}, err
	}
	e := Endpoint{Method: m}
	q := u.Query()

	if m.IsSerial() {
		e.Address = u.Path
		if e.Address == "" && u.Host != "" {
			e.Address = "/dev/" + u.Host
		}
		if e.BaudRate, err = intParam(q, "baud"); err != nil {
			return Endpoint{}, err
		}
		if e.DataBits, err = intParam(q, "databits"); err != nil {
			return Endpoint{}, err
		}
		if e.StopBits, err = intParam(q, "stopbits"); err != nil {
			return Endpoint{}, err
		}
		e.Parity = strings.ToUpper(q.Get("parity"))
	} else {
		e.Address = u.Host
		if _, _, err := net.SplitHostPort(e.Address); err != nil && u.Host != "" {
			e.Address = net.JoinHostPort(u.Host, defaultPort)
		}
	}
	if e.Address == "" {
		return Endpoint{}, &ConfigurationError{Op: "parse endpoint", Err: fmt.Errorf("no address in %q", s)}
	}
	if v := q.Get("timeout"); v != "" {
		if e.Timeout, err = parseTimeout(v); err != nil {
			return Endpoint{}, &ConfigurationError{Op: "parse endpoint", Err: err}
		}
	}
	return e, nil
}

func intParam(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigurationError{Op: "parse endpoint", Err: fmt.Errorf("%s: %w", key, err)}
	}
	return n, nil
}

func parseTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("timeout %q is neither a duration nor seconds", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (e Endpoint) String() string {
	if !e.Method.IsSerial() {
		return fmt.Sprintf("%v://%s", e.Method, e.Address)
	}
	return fmt.Sprintf("%v://%s?baud=%d", e.Method, e.Address, e.BaudRate)
}

// SerialConfig returns the serial line settings of a rtu or ascii endpoint.
func (e Endpoint) SerialConfig() SerialConfig {
	return SerialConfig{
		Device:   e.Address,
		Method:   e.Method,
		BaudRate: e.BaudRate,
		DataBits: e.DataBits,
		StopBits: e.StopBits,
		Parity:   e.Parity,
		Timeout:  e.Timeout,
	}
}

// Factory opens handles. Serial endpoints are shared through the registry,
// network endpoints get a handle of their own.
type Factory struct {
	// Logger is passed on to the network transports and handles.
	Logger logger
	// TCPIdleTimeout closes idle TCP connections, which reconnect on the
	// next exchange. Zero keeps them open.
	TCPIdleTimeout time.Duration

	registry        *SerialPortRegistry
	newNetTransport func(e Endpoint, l logger) (Transport, error)
}

// NewFactory returns a Factory sharing serial ports through r, or through
// a registry of its own when r is nil.
func NewFactory(r *SerialPortRegistry) *Factory {
	if r == nil {
		r = NewSerialPortRegistry()
	}
	f := &Factory{registry: r}
	f.newNetTransport = f.defaultNetTransport
	return f
}

func (f *Factory) defaultNetTransport(e Endpoint, l logger) (Transport, error) {
	switch e.Method {
	case MethodTCP:
		t := newTCPTransport(e.Address)
		t.IdleTimeout = f.TCPIdleTimeout
		t.Logger = l
		return t, nil
	case MethodUDP:
		t := newUDPTransport(e.Address)
		t.Logger = l
		return t, nil
	}
	return nil, &ConfigurationError{Op: "open " + e.Address, Err: fmt.Errorf("%w: %v", ErrInvalidMethod, e.Method)}
}

// Open returns a connected handle for e holding one reference for the
// caller. A failed connect yields a *ConnectionError and leaves nothing
// open, so a caller scanning addresses can simply move on; bad parameters
// yield a *ConfigurationError.
func (f *Factory) Open(e Endpoint) (*Handle, error) {
	if e.Method.IsSerial() {
		return f.registry.AcquireOrCreate(e.SerialConfig())
	}

	t, err := f.newNetTransport(e, f.Logger)
	if err != nil {
		return nil, err
	}
	if e.Timeout > 0 {
		t.SetTimeout(e.Timeout)
	}
	h := newHandle(e.Address, t, f.Logger)
	if err := t.Connect(); err != nil {
		if err := h.Put(); err != nil {
			f.logf("modbusclient: rollback of %s: %v", e.Address, err)
		}
		return nil, &ConnectionError{Method: e.Method, Address: e.Address, Err: err}
	}
	return h, nil
}

func (f *Factory) logf(format string, v ...interface{}) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}
