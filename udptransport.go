package modbusclient

import (
	"net"
	"sync"
	"time"
)

const udpTimeout = 1 * time.Second

// udpTransport implements Transport for Modbus over UDP datagrams, one ADU
// per datagram in either direction.
type udpTransport struct {
	address string
	// Transmission logger
	Logger logger

	mu      sync.Mutex
	timeout time.Duration
	state   State
	conn    net.Conn
}

func newUDPTransport(address string) *udpTransport {
	return &udpTransport{
		address: address,
		timeout: udpTimeout,
	}
}

func (mb *udpTransport) Method() Method  { return MethodUDP }
func (mb *udpTransport) Address() string { return mb.address }

func (mb *udpTransport) State() State {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state
}

// Timeout returns the timeout the socket deadlines are derived from.
func (mb *udpTransport) Timeout() time.Duration {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.timeout
}

// SetTimeout updates the timeout and, on a connected socket, moves the
// socket deadline right away so both always agree.
func (mb *udpTransport) SetTimeout(d time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.timeout = d
	if mb.conn != nil {
		if err := mb.conn.SetDeadline(deadline(time.Now(), d)); err != nil {
			mb.logf("modbus: could not apply timeout %v: %v", d, err)
		}
	}
}

// Send writes the request datagram and waits for the answer datagram.
func (mb *udpTransport) Send(aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err = mb.connect(); err != nil {
		return
	}
	if err = mb.conn.SetDeadline(deadline(time.Now(), mb.timeout)); err != nil {
		return
	}

	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.conn.Write(aduRequest); err != nil {
		return
	}

	var data [tcpMaxLength]byte
	for {
		var n int
		if n, err = mb.conn.Read(data[:]); err != nil {
			return
		}
		if n < tcpHeaderSize+1 {
			mb.logf("modbus: dropping short datagram % x", data[:n])
			continue
		}
		// Stale answers to earlier, timed out requests are skipped.
		if verifyHeader(aduRequest, data[:n]) != nil {
			mb.logf("modbus: dropping unrelated datagram % x", data[:n])
			continue
		}
		aduResponse = make([]byte, n)
		copy(aduResponse, data[:n])
		break
	}
	mb.logf("modbus: recv % x", aduResponse)
	return
}

func (mb *udpTransport) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// Connect sets up the socket. UDP is connectionless, so this only fails on
// address resolution or local socket errors.
func (mb *udpTransport) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

func (mb *udpTransport) connect() error {
	if mb.conn != nil {
		return nil
	}
	mb.state = StateConnecting
	dialer := net.Dialer{Timeout: mb.timeout}
	conn, err := dialer.Dial("udp", mb.address)
	if err != nil {
		mb.state = StateError
		return err
	}
	if err := conn.SetDeadline(deadline(time.Now(), mb.timeout)); err != nil {
		conn.Close()
		mb.state = StateError
		return err
	}
	mb.conn = conn
	mb.state = StateConnected
	return nil
}

// Close releases the socket.
func (mb *udpTransport) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var err error
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	mb.state = StateDisconnected
	return err
}
