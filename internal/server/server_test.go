package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/muurk/espctl/internal/config"
	"github.com/muurk/espctl/internal/engine"
	"github.com/muurk/espctl/internal/logging"
	"github.com/muurk/espctl/internal/protocol"
	"github.com/muurk/espctl/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	ledEntry  = protocol.Entry{Name: "led", Opcode: 0x00}
	tempEntry = protocol.Entry{Name: "temp", Opcode: 0x80}
)

type harness struct {
	srv    *Server
	addr   string
	served chan error
}

func startServer(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := &Config{
		PoolSize:    4,
		Dispatch:    protocol.DispatchPermissive,
		ResultOrder: engine.LIFO,
		StreamPoll:  10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &harness{srv: srv, addr: ln.Addr().String(), served: make(chan error, 1)}
	go func() { h.served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return h
}

// connect dials the server, completes the handshake for id and waits until
// the device is registered.
func (h *harness) connect(t *testing.T, id byte, entries ...protocol.Entry) *testutil.Device {
	t.Helper()

	dev, err := testutil.DialDevice(h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	require.NoError(t, dev.Handshake(id, false, entries...))
	dev.Expect(t, protocol.CommandRefresh)

	local := dev.Conn.LocalAddr().String()
	require.Eventually(t, func() bool {
		for _, d := range h.srv.Devices() {
			if d.ID == id && d.RemoteAddr == local {
				return true
			}
		}
		return false
	}, waitFor, tick)
	return dev
}

func TestServer_WriteCommand(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x01, ledEntry)

	h.srv.AddRequest("led", 0x01, []byte{0x01})
	dev.Expect(t, 0x00, 0x01)

	dev.ExpectSilence(t, 50*time.Millisecond)
	_, ok := h.srv.ReadResult(0x01)
	assert.False(t, ok)
}

func TestServer_AddRequestInts(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x01, ledEntry)

	h.srv.AddRequestInts("led", 0x01, 1, -1)
	dev.Expect(t, 0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF)
}

func TestServer_ReadCommand(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x02, tempEntry)

	h.srv.AddRequest("temp", 0x02, nil)
	dev.Expect(t, 0x80)
	require.NoError(t, dev.SendLine("23.5"))

	var r engine.Result
	require.Eventually(t, func() bool {
		var ok bool
		r, ok = h.srv.ReadResult(0x02)
		return ok
	}, waitFor, tick)
	assert.Equal(t, "temp", r.Command)
	assert.Equal(t, "23.5", r.Response)
}

func TestServer_Eviction(t *testing.T) {
	type snapshot struct {
		oldFinished bool
		reachable   bool
	}
	var h *harness
	seen := make(chan snapshot, 1)
	testHookEvicted = func(id byte, old *engine.Engine) {
		seen <- snapshot{oldFinished: old.Finished(), reachable: h.srv.HasHandler(id)}
	}
	t.Cleanup(func() { testHookEvicted = nil })

	h = startServer(t, nil)
	first := h.connect(t, 0x05, ledEntry)
	second := h.connect(t, 0x05, ledEntry)

	// The old engine was finished, and the identifier unreachable, before the
	// new engine was registered.
	select {
	case snap := <-seen:
		assert.True(t, snap.oldFinished, "old engine still running when replaced")
		assert.False(t, snap.reachable, "identifier reachable before the old engine finished")
	case <-time.After(waitFor):
		t.Fatal("eviction hook not called")
	}

	// The first connection is told to disconnect and closed
	first.Expect(t, protocol.CommandDisconnect)
	first.ExpectClosed(t)

	assert.Equal(t, 1, h.srv.GetActiveConnections())
	assert.Equal(t, float64(1), promtest.ToFloat64(h.srv.metrics.Evictions))
	assert.Equal(t, float64(1), promtest.ToFloat64(h.srv.metrics.DevicesConnected))

	h.srv.AddRequest("led", 0x05, []byte{0x07})
	second.Expect(t, 0x00, 0x07)
}

func TestServer_RoutingMisses(t *testing.T) {
	h := startServer(t, nil)

	assert.False(t, h.srv.HasHandler(0x09))
	h.srv.AddRequest("led", 0x09, []byte{0x01})
	h.srv.AddRequestInts("led", 0x09, 1)

	_, ok := h.srv.ReadResult(0x09)
	assert.False(t, ok)
	assert.Equal(t, float64(2), promtest.ToFloat64(h.srv.metrics.RequestsDropped.WithLabelValues("unknown_device")))
}

func TestServer_OversizePayload(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x01, ledEntry)

	h.srv.AddRequest("led", 0x01, make([]byte, protocol.MaxPayload+1))
	h.srv.AddRequestInts("led", 0x01, make([]int32, protocol.MaxPayload/4+1)...)
	dev.ExpectSilence(t, 50*time.Millisecond)

	assert.Equal(t, float64(2), promtest.ToFloat64(h.srv.metrics.RequestsDropped.WithLabelValues("oversize")))
}

func TestServer_HandshakeFailureNotRegistered(t *testing.T) {
	h := startServer(t, nil)

	dev, err := testutil.DialDevice(h.addr)
	require.NoError(t, err)
	_, err = dev.Conn.Write([]byte{0x03})
	require.NoError(t, err)
	dev.Expect(t, protocol.CommandRefresh)
	require.NoError(t, dev.Close())

	// The next device is still served
	h.connect(t, 0x04, ledEntry)
	assert.False(t, h.srv.HasHandler(0x03))
	assert.Equal(t, float64(1), promtest.ToFloat64(h.srv.metrics.Handshakes.WithLabelValues("failed")))
}

func TestServer_DisconnectCommandDeregisters(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x06, ledEntry)

	h.srv.AddRequest("disconnect", 0x06, nil)
	dev.Expect(t, protocol.CommandDisconnect)
	dev.ExpectClosed(t)

	require.Eventually(t, func() bool { return !h.srv.HasHandler(0x06) }, waitFor, tick)
	assert.Equal(t, float64(0), promtest.ToFloat64(h.srv.metrics.DevicesConnected))
}

func TestServer_DeviceGoneDeregisters(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x07, tempEntry)

	require.NoError(t, dev.Close())
	// The loop only notices on its next socket operation
	h.srv.AddRequest("temp", 0x07, nil)

	require.Eventually(t, func() bool { return !h.srv.HasHandler(0x07) }, waitFor, tick)
}

func TestServer_Devices(t *testing.T) {
	h := startServer(t, nil)
	h.connect(t, 0x02, tempEntry)
	h.connect(t, 0x01, ledEntry)

	devices := h.srv.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, byte(0x01), devices[0].ID)
	assert.Equal(t, byte(0x02), devices[1].ID)
	assert.Equal(t, []string{"disconnect", "refresh", "temp"}, devices[1].Commands)
	assert.Equal(t, "active", devices[1].State)
}

func TestServer_Shutdown(t *testing.T) {
	h := startServer(t, nil)
	a := h.connect(t, 0x01, ledEntry)
	b := h.connect(t, 0x02, tempEntry)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	a.Expect(t, protocol.CommandDisconnect)
	a.ExpectClosed(t)
	b.Expect(t, protocol.CommandDisconnect)
	b.ExpectClosed(t)

	assert.Equal(t, 0, h.srv.GetActiveConnections())
	assert.Empty(t, h.srv.Devices())

	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after Shutdown")
	}

	// Connections after shutdown are refused
	_, err := net.DialTimeout("tcp", h.addr, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_PoolBacklog(t *testing.T) {
	h := startServer(t, func(c *Config) { c.PoolSize = 1 })
	first := h.connect(t, 0x01, ledEntry)
	second := h.connect(t, 0x02, ledEntry)

	// Only one loop runs; the second device is registered but waits for a slot
	h.srv.AddRequest("led", 0x02, []byte{0x02})
	second.ExpectSilence(t, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.srv.metrics.PoolWaiting) == 1
	}, waitFor, tick)

	// Freeing the slot lets the queued request through
	h.srv.AddRequest("disconnect", 0x01, nil)
	first.Expect(t, protocol.CommandDisconnect)
	second.Expect(t, 0x00, 0x02)
}

func TestServer_DeviceLogDir(t *testing.T) {
	dir := t.TempDir()
	h := startServer(t, func(c *Config) { c.DeviceLogDir = dir })
	dev := h.connect(t, 0x02, tempEntry)

	h.srv.AddRequest("temp", 0x02, nil)
	dev.Expect(t, 0x80)
	require.NoError(t, dev.SendLine("19.0"))
	require.Eventually(t, func() bool {
		_, ok := h.srv.ReadResult(0x02)
		return ok
	}, waitFor, tick)

	assert.FileExists(t, filepath.Join(dir, "Client_2.txt"))
}

func TestConfigFromFile(t *testing.T) {
	f := config.Default()
	f.Server.Port = 9000
	f.Protocol.Dispatch = "strict"
	f.Protocol.ResultOrder = "fifo"
	f.Operator.Addr = ":8080"

	cfg, err := ConfigFromFile(f)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, protocol.DispatchStrict, cfg.Dispatch)
	assert.Equal(t, engine.FIFO, cfg.ResultOrder)
	assert.True(t, cfg.StreamFlag)
	assert.Equal(t, ":8080", cfg.OperatorAddr)

	f.Protocol.Dispatch = "loose"
	_, err = ConfigFromFile(f)
	assert.Error(t, err)
}

func TestNew_KeepsProvidedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	t.Cleanup(func() { logging.SetLogger(nil) })

	srv, err := New(&Config{Host: "127.0.0.1", PoolSize: 1, LogLevel: "error", Logger: zap.New(core)})
	require.NoError(t, err)

	ln, err := srv.Listen()
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	assert.Equal(t, 1, logs.FilterMessage("Starting ESP control server").Len())
}

func TestNew_RejectsEmptyPool(t *testing.T) {
	_, err := New(&Config{PoolSize: 0})
	assert.Error(t, err)
}

func TestServer_RunListenerStopsOnCancel(t *testing.T) {
	srv, err := New(&Config{PoolSize: 2})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.RunListener(ctx, ln) }()

	h := &harness{srv: srv, addr: ln.Addr().String()}
	dev := h.connect(t, 0x01, ledEntry)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("RunListener did not return after cancel")
	}

	dev.Expect(t, protocol.CommandDisconnect)
	dev.ExpectClosed(t)
	assert.Equal(t, 0, srv.GetActiveConnections())
}

// failingListener returns errors from Accept while failures is positive.
type failingListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestServer_AcceptErrorKeepsDevices(t *testing.T) {
	srv, err := New(&Config{PoolSize: 2})
	require.NoError(t, err)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &failingListener{Listener: inner}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	h := &harness{srv: srv, addr: inner.Addr().String()}
	first := h.connect(t, 0x01, ledEntry)

	// The loop is already blocked in Accept, so the failures hit the calls
	// after the second device is accepted.
	ln.failures.Store(3)
	second := h.connect(t, 0x02, ledEntry)
	third := h.connect(t, 0x03, ledEntry)
	assert.Less(t, ln.failures.Load(), int32(0), "accept errors were not injected")

	assert.True(t, srv.HasHandler(0x01))
	assert.True(t, srv.HasHandler(0x02))
	assert.Equal(t, 3, srv.GetActiveConnections())
	select {
	case err := <-served:
		t.Fatalf("Serve returned after an accept error: %v", err)
	default:
	}

	srv.AddRequest("led", 0x01, []byte{0x01})
	first.Expect(t, 0x00, 0x01)
	srv.AddRequest("led", 0x02, []byte{0x02})
	second.Expect(t, 0x00, 0x02)
	srv.AddRequest("led", 0x03, []byte{0x03})
	third.Expect(t, 0x00, 0x03)
}

func TestAcceptBackoff(t *testing.T) {
	assert.Equal(t, minAcceptBackoff, acceptBackoff(0))
	assert.Equal(t, 2*minAcceptBackoff, acceptBackoff(minAcceptBackoff))
	assert.Equal(t, maxAcceptBackoff, acceptBackoff(maxAcceptBackoff))
	assert.Equal(t, maxAcceptBackoff, acceptBackoff(700*time.Millisecond))
}

func TestServer_RefreshAfterHangUpDeregisters(t *testing.T) {
	h := startServer(t, nil)
	dev := h.connect(t, 0x07, tempEntry)

	require.NoError(t, dev.Close())
	// The refresh opcode is written into the socket buffer; reading the
	// table then hits EOF.
	h.srv.AddRequest("refresh", 0x07, nil)

	require.Eventually(t, func() bool { return !h.srv.HasHandler(0x07) }, waitFor, tick)
}
