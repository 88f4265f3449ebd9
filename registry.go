package modbusclient

import (
	"fmt"
	"sync"
)

// SerialPortRegistry keeps at most one open handle per physical serial
// port, keyed by the base name of the device. Consumers talking to
// different units on the same line share that handle.
//
// Create one registry per process and hand it to the Factory.
type SerialPortRegistry struct {
	// Logger receives acquisition and teardown messages, and is passed
	// on to the transports the registry creates.
	Logger logger

	mu           sync.Mutex
	ports        map[string]*serialEntry
	newTransport func(c SerialConfig, l logger) (Transport, error)
}

type serialEntry struct {
	handle *Handle
	config SerialConfig
}

// NewSerialPortRegistry returns an empty registry.
func NewSerialPortRegistry() *SerialPortRegistry {
	return &SerialPortRegistry{
		ports:        make(map[string]*serialEntry),
		newTransport: defaultSerialTransport,
	}
}

func defaultSerialTransport(c SerialConfig, l logger) (Transport, error) {
	t, err := newSerialTransport(c)
	if err != nil {
		return nil, err
	}
	t.Logger = l
	return t, nil
}

// AcquireOrCreate returns the handle of the port, adding a reference to an
// open one or opening the port when nobody uses it yet. A port that cannot
// be opened leaves nothing behind and yields a *ConnectionError. Asking for
// an open port with another method or baud rate yields a
// *ConfigurationError.
func (r *SerialPortRegistry) AcquireOrCreate(c SerialConfig) (*Handle, error) {
	if !c.Method.IsSerial() {
		return nil, &ConfigurationError{
			Op:  "acquire " + c.Device,
			Err: fmt.Errorf("%w: %v, want rtu or ascii", ErrInvalidMethod, c.Method),
		}
	}
	name := c.PortName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.ports[name]; ok {
		if e.config.Method != c.Method || e.config.BaudRate != c.BaudRate {
			return nil, &ConfigurationError{
				Op: "acquire " + c.Device,
				Err: fmt.Errorf("port %s is open as %v at %d baud, requested %v at %d baud",
					name, e.config.Method, e.config.BaudRate, c.Method, c.BaudRate),
			}
		}
		return e.handle.Get(), nil
	}

	t, err := r.newTransport(c, r.Logger)
	if err != nil {
		return nil, err
	}
	h := newHandle(name, t, r.Logger)
	if err := t.Connect(); err != nil {
		// h is not registered yet, so this only closes the transport.
		if err := h.Put(); err != nil {
			r.logf("modbusclient: rollback of %s: %v", c.Device, err)
		}
		return nil, &ConnectionError{Method: c.Method, Address: c.Device, Err: err}
	}
	h.registry = r
	r.ports[name] = &serialEntry{handle: h, config: c}
	r.logf("modbusclient: opened %s (%v, %d baud)", c.Device, c.Method, c.BaudRate)
	return h, nil
}

// put drops a reference of a registered handle. Dropping the last one
// removes the entry and closes the port before another caller can acquire
// the same port.
func (r *SerialPortRegistry) put(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !h.unref() {
		return nil
	}
	r.release(h)
	return h.teardown()
}

// release removes the entry of h. Caller must hold the mutex.
func (r *SerialPortRegistry) release(h *Handle) {
	if e, ok := r.ports[h.name]; ok && e.handle == h {
		delete(r.ports, h.name)
		r.logf("modbusclient: released %s", h.name)
	}
}

// Contains reports whether the port of device is open.
func (r *SerialPortRegistry) Contains(device string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.ports[SerialConfig{Device: device}.PortName()]
	return ok
}

// Len returns the number of open ports.
func (r *SerialPortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

func (r *SerialPortRegistry) logf(format string, v ...interface{}) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
	}
}
