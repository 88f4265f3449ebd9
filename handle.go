package modbusclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
)

// Handle is a reference counted client on one Transport. Every consumer
// that obtained the handle from Open or Get must call Put exactly once; the
// last Put closes the transport.
//
// All exchanges on a handle are serialized: a request and its response are
// never interleaved with another request, and the unit identifier set for
// one consumer is never seen by another.
type Handle struct {
	name      string
	transport Transport
	framer    framer
	client    modbus.Client
	exec      *reentrantLock
	registry  *SerialPortRegistry
	logger    logger

	mu   sync.Mutex
	refs int
	inTx atomic.Bool
}

// newHandle wraps t with a reference count of one, owned by the caller.
func newHandle(name string, t Transport, l logger) *Handle {
	f := newFramer(t.Method())
	return &Handle{
		name:      name,
		transport: t,
		framer:    f,
		client:    modbus.NewClient2(f, markedTransporter{t: t}),
		exec:      newReentrantLock(),
		logger:    l,
		refs:      1,
	}
}

// Name identifies the handle: the serial port name or the network address.
func (h *Handle) Name() string { return h.name }

// Method returns the transport method.
func (h *Handle) Method() Method { return h.transport.Method() }

// Transport returns the wrapped transport.
func (h *Handle) Transport() Transport { return h.transport }

// Timeout returns the per exchange timeout of the transport.
func (h *Handle) Timeout() time.Duration { return h.transport.Timeout() }

// SetTimeout changes the per exchange timeout of the transport.
func (h *Handle) SetTimeout(d time.Duration) { h.transport.SetTimeout(d) }

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// InTransaction reports whether a request/response exchange is running.
func (h *Handle) InTransaction() bool { return h.inTx.Load() }

// Get adds a reference and returns h. Getting a handle whose last
// reference was already put panics with a *LifecycleError.
func (h *Handle) Get() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		panic(&LifecycleError{Op: "get", Name: h.name})
	}
	h.refs++
	h.logf("modbusclient: get %s, refs %d", h.name, h.refs)
	return h
}

// Put drops a reference. The put that drops the last one closes the
// transport on the calling goroutine and returns the close error. Putting
// more often than getting panics with a *LifecycleError.
func (h *Handle) Put() error {
	if h.registry != nil {
		return h.registry.put(h)
	}
	if h.unref() {
		return h.teardown()
	}
	return nil
}

// unref drops one reference and reports whether it was the last one.
func (h *Handle) unref() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		panic(&LifecycleError{Op: "put", Name: h.name})
	}
	h.refs--
	h.logf("modbusclient: put %s, refs %d", h.name, h.refs)
	return h.refs == 0
}

func (h *Handle) teardown() error {
	h.logf("modbusclient: closing %s", h.name)
	if err := h.transport.Close(); err != nil {
		return fmt.Errorf("modbusclient: close %s: %w", h.name, err)
	}
	return nil
}

func (h *Handle) checkLive(op string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		panic(&LifecycleError{Op: op, Name: h.name})
	}
}

func (h *Handle) logf(format string, v ...interface{}) {
	if h.logger != nil {
		h.logger.Printf(format, v...)
	}
}

// Transaction runs fn with the execution lock held, so several exchanges
// run back to back without another consumer getting in between.
func (h *Handle) Transaction(fn func(s *Session) error) error {
	return (&Session{h: h}).Transaction(fn)
}

// ReadRegisters reads quantity registers of the given access kind.
func (h *Handle) ReadRegisters(unit byte, access Access, address, quantity uint16) ([]uint16, error) {
	return (&Session{h: h}).ReadRegisters(unit, access, address, quantity)
}

// WriteRegisters writes consecutive holding registers.
func (h *Handle) WriteRegisters(unit byte, address uint16, values []uint16) error {
	return (&Session{h: h}).WriteRegisters(unit, address, values)
}

// WriteRegister writes a single holding register.
func (h *Handle) WriteRegister(unit byte, address, value uint16) error {
	return (&Session{h: h}).WriteRegister(unit, address, value)
}

// Session is a Handle seen from inside a transaction. Its methods re-enter
// the execution lock the transaction already holds.
type Session struct {
	h *Handle
}

// Transaction nests another transaction in the current one.
func (s *Session) Transaction(fn func(s *Session) error) error {
	s.h.exec.lock(s)
	defer s.h.exec.unlock(s)

	return fn(s)
}

// ReadRegisters reads quantity registers of the given access kind. An
// access kind other than holding or input is rejected without any I/O.
func (s *Session) ReadRegisters(unit byte, access Access, address, quantity uint16) ([]uint16, error) {
	var read func(modbus.Client) ([]byte, error)
	switch access {
	case AccessHolding:
		read = func(c modbus.Client) ([]byte, error) { return c.ReadHoldingRegisters(address, quantity) }
	case AccessInput:
		read = func(c modbus.Client) ([]byte, error) { return c.ReadInputRegisters(address, quantity) }
	default:
		return nil, &ConfigurationError{
			Op:  "read registers",
			Err: fmt.Errorf("%w: %v", ErrInvalidAccessKind, access),
		}
	}
	results, err := s.execute(unit, read)
	if err != nil {
		return nil, err
	}
	return registers(results), nil
}

// WriteRegisters writes consecutive holding registers.
func (s *Session) WriteRegisters(unit byte, address uint16, values []uint16) error {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[2*i:], v)
	}
	_, err := s.execute(unit, func(c modbus.Client) ([]byte, error) {
		return c.WriteMultipleRegisters(address, uint16(len(values)), data)
	})
	return err
}

// WriteRegister writes a single holding register.
func (s *Session) WriteRegister(unit byte, address, value uint16) error {
	_, err := s.execute(unit, func(c modbus.Client) ([]byte, error) {
		return c.WriteSingleRegister(address, value)
	})
	return err
}

// execute runs one request/response exchange under the execution lock.
func (s *Session) execute(unit byte, op func(modbus.Client) ([]byte, error)) ([]byte, error) {
	h := s.h
	h.exec.lock(s)
	defer h.exec.unlock(s)

	h.checkLive("execute")
	h.inTx.Store(true)
	defer h.inTx.Store(false)

	h.framer.setUnit(unit)
	results, err := op(h.client)
	if err != nil {
		return nil, h.exchangeError(unit, err)
	}
	return results, nil
}

// exchangeError keeps transport failures as they are and reports replies
// that the transport could not frame, or the codec rejected, as a
// ProtocolError.
func (h *Handle) exchangeError(unit byte, err error) error {
	var fe *frameError
	if errors.As(err, &fe) {
		return &ProtocolError{Unit: unit, Err: fe.err}
	}
	var se *sendError
	if errors.As(err, &se) {
		return fmt.Errorf("modbusclient: %s unit %d: %w", h.name, unit, se.err)
	}
	return &ProtocolError{Unit: unit, Err: err}
}

func registers(b []byte) []uint16 {
	regs := make([]uint16, len(b)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return regs
}
