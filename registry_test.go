package modbusclient

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRegistry hands out echo transports and remembers them.
type testRegistry struct {
	*SerialPortRegistry

	mu         sync.Mutex
	created    []*echoTransport
	connectErr error
	closeErr   error
}

func newTestRegistry() *testRegistry {
	tr := &testRegistry{SerialPortRegistry: NewSerialPortRegistry()}
	tr.newTransport = func(c SerialConfig, _ logger) (Transport, error) {
		if _, err := newSerialTransport(c); err != nil {
			return nil, err
		}
		tr.mu.Lock()
		defer tr.mu.Unlock()
		e := newEchoTransport(c.Device)
		e.method = c.Method
		e.connectErr = tr.connectErr
		e.closeErr = tr.closeErr
		tr.created = append(tr.created, e)
		return e, nil
	}
	return tr
}

func (tr *testRegistry) transports() []*echoTransport {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]*echoTransport(nil), tr.created...)
}

func TestRegistrySharesPort(t *testing.T) {
	r := newTestRegistry()
	cfg := SerialConfig{Device: "/dev/ttyUSB0", Method: MethodRTU, BaudRate: 9600}

	h1, err := r.AcquireOrCreate(cfg)
	require.NoError(t, err)
	h2, err := r.AcquireOrCreate(cfg)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Same(t, h1.Transport(), h2.Transport())
	assert.Equal(t, 2, h1.Refs())
	require.Len(t, r.transports(), 1)
	tr := r.transports()[0]
	assert.Equal(t, 1, tr.connects)

	require.NoError(t, h1.Put())
	assert.Equal(t, 1, h2.Refs())
	assert.Equal(t, StateConnected, tr.State())
	assert.True(t, r.Contains("/dev/ttyUSB0"))

	require.NoError(t, h2.Put())
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, 1, tr.closeCount())
	assert.False(t, r.Contains("/dev/ttyUSB0"))
	assert.Zero(t, r.Len())
}

func TestRegistryKeysByBaseName(t *testing.T) {
	r := newTestRegistry()

	h, err := r.AcquireOrCreate(SerialConfig{Device: "/dev/ttyUSB1", Method: MethodASCII, BaudRate: 19200})
	require.NoError(t, err)
	defer h.Put()

	assert.True(t, r.Contains("ttyUSB1"))
	assert.Equal(t, "ttyUSB1", h.Name())
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	const n = 32
	r := newTestRegistry()
	cfg := SerialConfig{Device: "/dev/ttyS0", Method: MethodRTU, BaudRate: 115200}

	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.AcquireOrCreate(cfg)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	require.Len(t, r.transports(), 1, "only one transport may be created per port")
	for _, h := range handles {
		require.Same(t, handles[0], h)
	}
	assert.Equal(t, n, handles[0].Refs())

	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			assert.NoError(t, h.Put())
		}(h)
	}
	wg.Wait()

	assert.Equal(t, 1, r.transports()[0].closeCount())
	assert.Zero(t, r.Len())
}

func TestRegistryAcquireReleaseRace(t *testing.T) {
	r := newTestRegistry()
	cfg := SerialConfig{Device: "/dev/ttyS1", Method: MethodRTU, BaudRate: 9600}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := r.AcquireOrCreate(cfg)
				if !assert.NoError(t, err) {
					return
				}
				_, err = h.ReadRegisters(1, AccessHolding, 0, 1)
				assert.NoError(t, err)
				assert.NoError(t, h.Put())
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, r.Len())
	for _, tr := range r.transports() {
		assert.Equal(t, 1, tr.connects)
		assert.Equal(t, 1, tr.closeCount())
		assert.Zero(t, tr.overlaps)
	}
}

func TestRegistryConnectFailureLeavesNothing(t *testing.T) {
	r := newTestRegistry()
	cfg := SerialConfig{Device: "/dev/ttyUSB9", Method: MethodRTU, BaudRate: 9600}

	r.connectErr = errors.New("no such device")
	h, err := r.AcquireOrCreate(cfg)
	assert.Nil(t, h)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "/dev/ttyUSB9", connErr.Address)
	assert.Zero(t, r.Len())
	require.Len(t, r.transports(), 1)
	assert.Equal(t, 1, r.transports()[0].closeCount())

	r.connectErr = nil
	h, err = r.AcquireOrCreate(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Refs())
	assert.Equal(t, 1, r.Len())
	require.NoError(t, h.Put())
}

func TestRegistryConnectFailureLogsCloseError(t *testing.T) {
	r := newTestRegistry()
	rec := &printfRecorder{}
	r.Logger = rec
	r.connectErr = errors.New("no such device")
	r.closeErr = errors.New("port wedged")

	_, err := r.AcquireOrCreate(SerialConfig{Device: "/dev/ttyUSB9", Method: MethodRTU, BaudRate: 9600})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorContains(t, err, "no such device")
	assert.Zero(t, r.Len())
	assert.Contains(t, rec.lines, "modbusclient: rollback of /dev/ttyUSB9: modbusclient: close ttyUSB9: port wedged")
}

func TestRegistryParameterMismatch(t *testing.T) {
	r := newTestRegistry()
	h, err := r.AcquireOrCreate(SerialConfig{Device: "/dev/ttyUSB0", Method: MethodRTU, BaudRate: 9600})
	require.NoError(t, err)
	defer h.Put()

	for _, cfg := range []SerialConfig{
		{Device: "/dev/ttyUSB0", Method: MethodRTU, BaudRate: 19200},
		{Device: "/dev/ttyUSB0", Method: MethodASCII, BaudRate: 9600},
	} {
		other, err := r.AcquireOrCreate(cfg)
		assert.Nil(t, other)
		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	}
	assert.Equal(t, 1, h.Refs())
}

func TestRegistryRejectsNetworkMethods(t *testing.T) {
	r := newTestRegistry()
	for _, m := range []Method{MethodTCP, MethodUDP, 0} {
		h, err := r.AcquireOrCreate(SerialConfig{Device: "/dev/ttyUSB0", Method: m, BaudRate: 9600})
		assert.Nil(t, h)
		assert.ErrorIs(t, err, ErrInvalidMethod)
	}
	assert.Empty(t, r.transports(), "no transport may be created")
}

func TestRegistryReopenAfterRelease(t *testing.T) {
	r := newTestRegistry()
	cfg := SerialConfig{Device: "/dev/ttyUSB0", Method: MethodRTU, BaudRate: 9600}

	h1, err := r.AcquireOrCreate(cfg)
	require.NoError(t, err)
	require.NoError(t, h1.Put())

	h2, err := r.AcquireOrCreate(cfg)
	require.NoError(t, err)
	defer h2.Put()

	assert.NotSame(t, h1, h2)
	require.Len(t, r.transports(), 2)
	assert.Equal(t, StateDisconnected, r.transports()[0].State())
	assert.Equal(t, StateConnected, r.transports()[1].State())
}

func TestRegistryLogs(t *testing.T) {
	r := newTestRegistry()
	rec := &printfRecorder{}
	r.Logger = rec

	h, err := r.AcquireOrCreate(SerialConfig{Device: "/dev/ttyUSB0", Method: MethodRTU, BaudRate: 9600})
	require.NoError(t, err)
	require.NoError(t, h.Put())

	assert.Contains(t, rec.lines, "modbusclient: opened /dev/ttyUSB0 (rtu, 9600 baud)")
	assert.Contains(t, rec.lines, "modbusclient: released ttyUSB0")
}
