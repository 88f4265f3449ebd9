// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbusclient

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/grid-x/serial"
)

const (
	serialTimeout = 1 * time.Second

	rtuMinSize = 4
	rtuMaxSize = 256

	asciiEnd     = "\r\n"
	asciiMinSize = 3
	asciiMaxSize = 513
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

// SerialConfig describes a serial line. Everything but Device and Method is
// handed to the serial driver as is.
type SerialConfig struct {
	Device   string
	Method   Method
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
	RS485    serial.RS485Config
}

// PortName is the registry key of the line: the base name of its device.
func (c SerialConfig) PortName() string {
	return filepath.Base(c.Device)
}

// openPort opens the physical port, replaced in tests.
type openPortFunc func(c *serial.Config) (io.ReadWriteCloser, error)

func openSerialPort(c *serial.Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(c)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// serialTransport implements Transport for RTU and ASCII framing on a
// serial line.
type serialTransport struct {
	method Method
	// Transmission logger
	Logger logger

	mu       sync.Mutex
	config   serial.Config
	state    State
	port     io.ReadWriteCloser
	openPort openPortFunc
}

// newSerialTransport validates the method before anything touches the port.
func newSerialTransport(c SerialConfig) (*serialTransport, error) {
	if !c.Method.IsSerial() {
		return nil, &ConfigurationError{
			Op:  "serial transport " + c.Device,
			Err: fmt.Errorf("%w: %v, want rtu or ascii", ErrInvalidMethod, c.Method),
		}
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = serialTimeout
	}
	return &serialTransport{
		method: c.Method,
		config: serial.Config{
			Address:  c.Device,
			BaudRate: c.BaudRate,
			DataBits: c.DataBits,
			StopBits: c.StopBits,
			Parity:   c.Parity,
			Timeout:  timeout,
			RS485:    c.RS485,
		},
		openPort: openSerialPort,
	}, nil
}

func (mb *serialTransport) Method() Method  { return mb.method }
func (mb *serialTransport) Address() string { return mb.config.Address }

// BaudRate returns the configured symbol rate.
func (mb *serialTransport) BaudRate() int { return mb.config.BaudRate }

func (mb *serialTransport) State() State {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state
}

func (mb *serialTransport) Timeout() time.Duration {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.config.Timeout
}

// SetTimeout changes the exchange timeout. The driver fixes its read timeout
// when the port is opened, so an open port is reopened with the new value.
// A failed reopen is retried by the next exchange.
func (mb *serialTransport) SetTimeout(d time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if d == mb.config.Timeout {
		return
	}
	mb.config.Timeout = d
	if mb.port == nil {
		return
	}
	if err := mb.close(); err != nil {
		mb.logf("modbus: close %s for new timeout %v: %v", mb.config.Address, d, err)
	}
	if err := mb.connect(); err != nil {
		mb.logf("modbus: reopen %s with timeout %v: %v", mb.config.Address, d, err)
	}
}

// Connect opens the port.
func (mb *serialTransport) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect opens the serial port if it is not open. Caller must hold the mutex.
func (mb *serialTransport) connect() error {
	if mb.port != nil {
		return nil
	}
	mb.state = StateConnecting
	port, err := mb.openPort(&mb.config)
	if err != nil {
		mb.state = StateError
		return fmt.Errorf("could not open %s: %w", mb.config.Address, err)
	}
	mb.port = port
	mb.state = StateConnected
	mb.logf("modbus: opened %s at %d baud", mb.config.Address, mb.config.BaudRate)
	return nil
}

// Close closes the port.
func (mb *serialTransport) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes the port. Caller must hold the mutex.
func (mb *serialTransport) close() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
		mb.logf("modbus: closed %s", mb.config.Address)
	}
	mb.state = StateDisconnected
	return
}

func (mb *serialTransport) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// Send writes one request frame and reads back one response frame.
func (mb *serialTransport) Send(aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err = mb.connect(); err != nil {
		return
	}

	if mb.method == MethodRTU && len(aduRequest) < rtuMinSize {
		return nil, fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuMinSize)
	}

	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.port.Write(aduRequest); err != nil {
		mb.state = StateError
		return
	}

	switch mb.method {
	case MethodRTU:
		time.Sleep(mb.calculateDelay(len(aduRequest) + calculateResponseLength(aduRequest)))
		aduResponse, err = readIncrementally(aduRequest[0], aduRequest[1], mb.port, deadline(time.Now(), mb.config.Timeout))
	default:
		aduResponse, err = readASCIIFrame(mb.port, deadline(time.Now(), mb.config.Timeout))
	}
	if err != nil {
		return nil, err
	}
	mb.logf("modbus: recv % x", aduResponse)
	return aduResponse, nil
}

// calculateDelay roughly calculates time needed for the next frame.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (mb *serialTransport) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // us

	if mb.config.BaudRate <= 0 || mb.config.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / mb.config.BaudRate
		frameDelay = 35000000 / mb.config.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

func calculateResponseLength(adu []byte) int {
	length := rtuMinSize
	switch adu[1] {
	case modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	case modbus.FuncCodeMaskWriteRegister:
		length += 6
	}
	return length
}

// InvalidLengthError is returned by readIncrementally when the modbus response would overflow buffer
type InvalidLengthError struct {
	length byte // length received which triggered the error
}

// Error implements the error interface
func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.length)
}

// readIncrementally reads one RTU response byte by byte, skipping noise
// until the expected unit and function code show up.
func readIncrementally(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}
	data := make([]byte, rtuMaxSize)

	state := stateSlaveID
	var length, toRead byte
	var n, crcCount int

	buf := make([]byte, 1)
	for {
		if !deadline.IsZero() && time.Now().After(deadline) { // Possible that serialport may spew data
			return nil, fmt.Errorf("failed to read from serial port within deadline")
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}
		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			if buf[0] == functionCode {
				switch functionCode {
				case modbus.FuncCodeReadDiscreteInputs,
					modbus.FuncCodeReadCoils,
					modbus.FuncCodeReadHoldingRegisters,
					modbus.FuncCodeReadInputRegisters,
					modbus.FuncCodeReadWriteMultipleRegisters,
					modbus.FuncCodeReadFIFOQueue:
					state = stateReadLength
				case modbus.FuncCodeWriteSingleCoil,
					modbus.FuncCodeWriteSingleRegister,
					modbus.FuncCodeWriteMultipleRegisters,
					modbus.FuncCodeWriteMultipleCoils:
					state = stateReadPayload
					toRead = 4
				case modbus.FuncCodeMaskWriteRegister:
					state = stateReadPayload
					toRead = 6
				default:
					return nil, &frameError{err: fmt.Errorf("functioncode not handled: %d", functionCode)}
				}
				data[n] = buf[0]
				n++
			} else if buf[0] == functionCode|0x80 {
				// only exception code left to read
				state = stateReadPayload
				toRead = 1
				data[n] = buf[0]
				n++
			}
		case stateReadLength:
			// max length = rtuMaxSize - SlaveID(1) - FunctionCode(1) - length(1) - CRC(2)
			length = buf[0]
			if length > rtuMaxSize-5 || length == 0 {
				return nil, &frameError{err: &InvalidLengthError{length: length}}
			}
			toRead = length
			data[n] = length
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

// readASCIIFrame reads until the CR LF frame end.
func readASCIIFrame(r io.Reader, deadline time.Time) ([]byte, error) {
	var length int
	var data [asciiMaxSize]byte
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to read from serial port within deadline")
		}
		n, err := r.Read(data[length:])
		if err != nil {
			return nil, err
		}
		length += n
		if length >= asciiMaxSize {
			break
		}
		if length > asciiMinSize && string(data[length-len(asciiEnd):length]) == asciiEnd {
			break
		}
	}
	frame := make([]byte, length)
	copy(frame, data[:length])
	return frame, nil
}
