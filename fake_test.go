package modbusclient

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
)

// inputOffset is added to the values of input registers served by
// echoTransport, so reads of the two tables are told apart.
const inputOffset = 0x8000

// echoTransport is a synthetic bus framing like its method. A register read
// returns the register addresses as values, so every answer can be matched
// with the request it belongs to. Overlapping Sends are counted.
type echoTransport struct {
	name       string
	method     Method
	delay      time.Duration
	connectErr error
	closeErr   error
	sendErr    error
	// silent units never answer, exception units answer with that code
	silent     map[byte]bool
	exceptions map[byte]byte
	onSend     func()

	mu       sync.Mutex
	timeout  time.Duration
	state    State
	connects int
	closes   int
	requests []*modbus.ProtocolDataUnit

	active   int32
	overlaps int32
}

func newEchoTransport(name string) *echoTransport {
	return &echoTransport{name: name, method: MethodRTU, timeout: serialTimeout}
}

func (e *echoTransport) Method() Method  { return e.method }
func (e *echoTransport) Address() string { return e.name }

func (e *echoTransport) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *echoTransport) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

func (e *echoTransport) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

func (e *echoTransport) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.connects++
	if e.connectErr != nil {
		e.state = StateError
		return e.connectErr
	}
	e.state = StateConnected
	return nil
}

func (e *echoTransport) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closes++
	e.state = StateDisconnected
	return e.closeErr
}

func (e *echoTransport) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *echoTransport) sent() []*modbus.ProtocolDataUnit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*modbus.ProtocolDataUnit(nil), e.requests...)
}

func (e *echoTransport) Send(aduRequest []byte) ([]byte, error) {
	if atomic.AddInt32(&e.active, 1) > 1 {
		atomic.AddInt32(&e.overlaps, 1)
	}
	defer atomic.AddInt32(&e.active, -1)

	if e.onSend != nil {
		e.onSend()
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.sendErr != nil {
		return nil, e.sendErr
	}

	request, unit, err := e.decode(aduRequest)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.requests = append(e.requests, request)
	e.mu.Unlock()

	if e.silent[unit] {
		return nil, fmt.Errorf("read %s: %w", e.name, os.ErrDeadlineExceeded)
	}
	response := &modbus.ProtocolDataUnit{FunctionCode: request.FunctionCode}
	if code, ok := e.exceptions[unit]; ok {
		response.FunctionCode |= 0x80
		response.Data = []byte{code}
	} else if response.Data, err = echoData(request); err != nil {
		return nil, err
	}
	return e.encode(aduRequest, unit, response)
}

func (e *echoTransport) decode(adu []byte) (*modbus.ProtocolDataUnit, byte, error) {
	switch e.method {
	case MethodTCP, MethodUDP:
		if len(adu) < 8 {
			return nil, 0, errors.New("echo: short mbap frame")
		}
		return &modbus.ProtocolDataUnit{FunctionCode: adu[7], Data: adu[8:]}, adu[6], nil
	case MethodASCII:
		unit, err := hex.DecodeString(string(adu[1:3]))
		if err != nil {
			return nil, 0, err
		}
		pdu, err := modbus.NewASCIIClientHandler("").Decode(adu)
		return pdu, unit[0], err
	default:
		pdu, err := modbus.NewRTUClientHandler("").Decode(adu)
		return pdu, adu[0], err
	}
}

// encode frames the response the way a device answering request would.
func (e *echoTransport) encode(request []byte, unit byte, pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	switch e.method {
	case MethodTCP, MethodUDP:
		adu := append([]byte(nil), request[:7]...)
		binary.BigEndian.PutUint16(adu[4:], uint16(len(pdu.Data)+2))
		adu = append(adu, pdu.FunctionCode)
		return append(adu, pdu.Data...), nil
	case MethodASCII:
		codec := modbus.NewASCIIClientHandler("")
		codec.SlaveId = unit
		return codec.Encode(pdu)
	default:
		codec := modbus.NewRTUClientHandler("")
		codec.SlaveId = unit
		return codec.Encode(pdu)
	}
}

func echoData(request *modbus.ProtocolDataUnit) ([]byte, error) {
	switch request.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		address := binary.BigEndian.Uint16(request.Data)
		quantity := binary.BigEndian.Uint16(request.Data[2:])
		data := []byte{byte(2 * quantity)}
		for i := uint16(0); i < quantity; i++ {
			v := address + i
			if request.FunctionCode == modbus.FuncCodeReadInputRegisters {
				v += inputOffset
			}
			data = binary.BigEndian.AppendUint16(data, v)
		}
		return data, nil
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		return request.Data[:4], nil
	}
	return nil, errors.New("echo: unsupported function code")
}

// printfRecorder collects log lines.
type printfRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (p *printfRecorder) Printf(format string, v ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, fmt.Sprintf(format, v...))
}
