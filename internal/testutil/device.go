// Package testutil provides a simulated ESP device for tests.
package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/muurk/espctl/internal/protocol"
)

// DefaultWait bounds every expectation on a simulated device.
const DefaultWait = 2 * time.Second

// Device is the device side of a connection. Everything the server writes is
// collected in the background so server writes never block on the test.
type Device struct {
	Conn net.Conn
	in   chan byte
}

// NewDevice starts collecting bytes written by the server on conn.
func NewDevice(conn net.Conn) *Device {
	d := &Device{Conn: conn, in: make(chan byte, 4096)}
	go d.collect()
	return d
}

// DialDevice connects to a listening server.
func DialDevice(addr string) (*Device, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultWait)
	if err != nil {
		return nil, err
	}
	return NewDevice(conn), nil
}

func (d *Device) collect() {
	buf := make([]byte, 512)
	for {
		n, err := d.Conn.Read(buf)
		for _, b := range buf[:n] {
			d.in <- b
		}
		if err != nil {
			close(d.in)
			return
		}
	}
}

// Handshake sends the identifier followed by the command table. Streaming
// devices send only the identifier.
func (d *Device) Handshake(id byte, streaming bool, entries ...protocol.Entry) error {
	if _, err := d.Conn.Write([]byte{id}); err != nil {
		return err
	}
	if streaming {
		return nil
	}
	return protocol.WriteTable(d.Conn, entries)
}

// SendTable answers a refresh opcode.
func (d *Device) SendTable(entries ...protocol.Entry) error {
	return protocol.WriteTable(d.Conn, entries)
}

// SendLine writes a newline-terminated response.
func (d *Device) SendLine(line string) error {
	_, err := d.Conn.Write([]byte(line + "\n"))
	return err
}

// Next returns the next byte written by the server.
func (d *Device) Next(wait time.Duration) (byte, bool) {
	select {
	case b, ok := <-d.in:
		return b, ok
	case <-time.After(wait):
		return 0, false
	}
}

// Expect fails the test unless the server writes exactly want next.
func (d *Device) Expect(t testing.TB, want ...byte) {
	t.Helper()
	for i, w := range want {
		select {
		case b, ok := <-d.in:
			if !ok {
				t.Fatalf("connection closed before byte %d (want 0x%02x)", i, w)
			}
			if b != w {
				t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, b, w)
			}
		case <-time.After(DefaultWait):
			t.Fatalf("timed out waiting for byte %d (want 0x%02x)", i, w)
		}
	}
}

// ExpectSilence fails the test if the server writes anything within wait.
func (d *Device) ExpectSilence(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case b, ok := <-d.in:
		if ok {
			t.Fatalf("unexpected byte 0x%02x", b)
		}
	case <-time.After(wait):
	}
}

// ExpectClosed fails the test unless the server closes the connection,
// ignoring any bytes written before the close.
func (d *Device) ExpectClosed(t testing.TB) {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case _, ok := <-d.in:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the server to close the connection")
		}
	}
}

// Close closes the device side of the connection.
func (d *Device) Close() error {
	return d.Conn.Close()
}
