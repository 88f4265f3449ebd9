// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbusclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260

	tcpTimeout = 10 * time.Second
)

// ErrTCPHeaderLength informs about a wrong header length.
type ErrTCPHeaderLength int

func (length ErrTCPHeaderLength) Error() string {
	return fmt.Sprintf("modbus: length in response header '%d' must not be zero or greater than '%v'",
		length, tcpMaxLength-tcpHeaderSize+1)
}

// tcpTransport implements Transport over a TCP stream.
type tcpTransport struct {
	address string
	// Idle timeout to close the connection, 0 keeps it open
	IdleTimeout time.Duration
	// Recovery timeout if tcp communication misbehaves
	LinkRecoveryTimeout time.Duration
	// Recovery timeout if the protocol is malformed, e.g. wrong transaction ID
	ProtocolRecoveryTimeout time.Duration
	// Transmission logger
	Logger logger

	mu           sync.Mutex
	timeout      time.Duration
	state        State
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

func newTCPTransport(address string) *tcpTransport {
	return &tcpTransport{
		address: address,
		timeout: tcpTimeout,
	}
}

func (mb *tcpTransport) Method() Method  { return MethodTCP }
func (mb *tcpTransport) Address() string { return mb.address }

func (mb *tcpTransport) State() State {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state
}

func (mb *tcpTransport) Timeout() time.Duration {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.timeout
}

func (mb *tcpTransport) SetTimeout(d time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.timeout = d
	if mb.conn != nil {
		if err := mb.conn.SetDeadline(deadline(time.Now(), d)); err != nil {
			mb.logf("modbus: could not apply timeout %v: %v", d, err)
		}
	}
}

// Send sends data to server and ensures response length is greater than header length.
func (mb *tcpTransport) Send(aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var data [tcpMaxLength]byte
	recoveryDeadline := time.Now().Add(mb.IdleTimeout + mb.LinkRecoveryTimeout + mb.ProtocolRecoveryTimeout)

	for {
		if err = mb.connect(); err != nil {
			return
		}
		// A late answer to a timed out request would otherwise be taken as
		// the answer to this one. This resets the read deadline.
		mb.flushAll()

		mb.lastActivity = time.Now()
		mb.startCloseTimer()
		if err = mb.conn.SetDeadline(deadline(mb.lastActivity, mb.timeout)); err != nil {
			return
		}
		mb.logf("modbus: send % x", aduRequest)
		if _, err = mb.conn.Write(aduRequest); err != nil {
			mb.state = StateError
			return
		}
		if _, err = io.ReadFull(mb.conn, data[:tcpHeaderSize]); err == nil {
			aduResponse, err = mb.processResponse(data[:])
			if err == nil {
				if err = verifyHeader(aduRequest, aduResponse); err == nil {
					mb.logf("modbus: recv % x", aduResponse)
					return
				}
				err = &frameError{err: err}
			}
			var lengthErr ErrTCPHeaderLength
			if !errors.As(err, &lengthErr) {
				if mb.ProtocolRecoveryTimeout > 0 && time.Until(recoveryDeadline) > 0 {
					continue // TCP header OK but modbus frame not
				}
				return
			}
			if mb.LinkRecoveryTimeout == 0 || time.Until(recoveryDeadline) < 0 {
				return
			}
		} else if (err != io.EOF && err != io.ErrUnexpectedEOF) ||
			mb.LinkRecoveryTimeout == 0 || time.Until(recoveryDeadline) < 0 {
			return
		}
		mb.logf("modbus: close connection and retry, because of %v", err)

		mb.close()
		time.Sleep(mb.LinkRecoveryTimeout)
	}
}

func (mb *tcpTransport) processResponse(data []byte) (aduResponse []byte, err error) {
	// Read length, ignore transaction & protocol id (4 bytes)
	length := int(binary.BigEndian.Uint16(data[4:]))
	if length <= 0 || length > (tcpMaxLength-(tcpHeaderSize-1)) {
		mb.flushAll()
		err = &frameError{err: ErrTCPHeaderLength(length)}
		return
	}
	// Skip unit id
	length += tcpHeaderSize - 1
	if _, err = io.ReadFull(mb.conn, data[tcpHeaderSize:length]); err != nil {
		return
	}
	aduResponse = data[:length]
	return
}

// verifyHeader confirms transaction, protocol and unit id of an MBAP frame.
func verifyHeader(aduRequest []byte, aduResponse []byte) error {
	responseVal := binary.BigEndian.Uint16(aduResponse)
	requestVal := binary.BigEndian.Uint16(aduRequest)
	if responseVal != requestVal {
		return fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", responseVal, requestVal)
	}
	responseVal = binary.BigEndian.Uint16(aduResponse[2:])
	requestVal = binary.BigEndian.Uint16(aduRequest[2:])
	if responseVal != requestVal {
		return fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", responseVal, requestVal)
	}
	if aduResponse[6] != aduRequest[6] {
		return fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", aduResponse[6], aduRequest[6])
	}
	return nil
}

// Connect establishes a new connection to the address.
func (mb *tcpTransport) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

func (mb *tcpTransport) connect() error {
	if mb.conn != nil {
		return nil
	}
	mb.state = StateConnecting
	dialer := net.Dialer{Timeout: mb.timeout}
	conn, err := dialer.Dial("tcp", mb.address)
	if err != nil {
		mb.state = StateError
		return err
	}
	mb.conn = conn
	mb.state = StateConnected
	mb.logf("modbus: connected to %s", mb.address)
	return nil
}

func (mb *tcpTransport) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// Close closes current connection.
func (mb *tcpTransport) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closeTimer != nil {
		mb.closeTimer.Stop()
	}
	return mb.close()
}

func (mb *tcpTransport) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// close closes current connection. Caller must hold the mutex.
func (mb *tcpTransport) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	mb.state = StateDisconnected
	return
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *tcpTransport) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 || mb.conn == nil {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.close()
	}
}

// flushAll implements a non-blocking read flush. Be warned it resets
// the read deadline.
func (mb *tcpTransport) flushAll() (int, error) {
	if err := mb.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, err
	}

	count := 0
	buffer := make([]byte, 1024)
	for {
		n, err := mb.conn.Read(buffer)
		if err != nil {
			return count + n, err
		} else if n > 0 {
			count += n
		} else {
			return count, nil
		}
	}
}
