package engine

import (
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/espctl/internal/logging"
	"github.com/muurk/espctl/internal/protocol"
)

// Refresh asks the device for its command table and replaces the current
// one. On failure the table is left with only the built-ins.
//
// Refresh, Read, ReadStream and Write share the connection's reader with Run
// and must not be called while Run is active; queue the command with
// AddRequest instead.
func (e *Engine) Refresh() error {
	if err := e.send([]byte{protocol.CommandRefresh}, protocol.NameRefresh); err != nil {
		return err
	}
	e.opts.Metrics.Sent("reserved")

	table, err := protocol.ReadTable(e.reader)
	if err != nil {
		e.tableMu.Lock()
		e.table.Reset()
		e.tableMu.Unlock()
		return err
	}

	e.tableMu.Lock()
	e.table = table
	e.tableMu.Unlock()

	logging.Debug("Command table refreshed",
		logging.DeviceID(e.id),
		zap.Strings("commands", table.Names()),
	)
	return nil
}

// Write sends a write command's opcode followed by payload. Unknown and read
// commands are a no-op, or a bad instruction under DispatchStrict. Not for
// use while Run is active.
func (e *Engine) Write(name string, payload []byte) error {
	op, ok := e.lookup(name)
	if !ok || op.IsRead() {
		if e.opts.Dispatch == protocol.DispatchStrict {
			return protocol.NewBadInstruction("write", name)
		}
		return nil
	}

	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(op))
	buf = append(buf, payload...)
	if err := e.send(buf, name); err != nil {
		return err
	}
	e.opts.Metrics.Sent("write")
	return nil
}

// Read sends a read command's opcode and returns the device's response line.
// Unknown and write commands return false, or a bad instruction under
// DispatchStrict. Not for use while Run is active.
func (e *Engine) Read(name string) (string, bool, error) {
	line, ok, _, err := e.read(name)
	return line, ok, err
}

func (e *Engine) read(name string) (string, bool, time.Duration, error) {
	op, ok := e.lookup(name)
	if !ok || op.IsWrite() {
		if e.opts.Dispatch == protocol.DispatchStrict {
			return "", false, 0, protocol.NewBadInstruction("read", name)
		}
		return "", false, 0, nil
	}

	if err := e.send([]byte{byte(op)}, name); err != nil {
		return "", false, 0, err
	}
	e.opts.Metrics.Sent("read")

	start := time.Now()
	line, err := e.readLine(name)
	if err != nil {
		return "", false, 0, err
	}
	return line, true, time.Since(start), nil
}

// ReadStream returns one line if the device has sent anything within the
// poll interval. It does not wait for data beyond that. Not for use while
// Run is active.
func (e *Engine) ReadStream() (string, bool, error) {
	if e.reader.Buffered() == 0 {
		if err := e.conn.SetReadDeadline(time.Now().Add(e.opts.StreamPoll)); err != nil {
			return "", false, protocol.WrapIO("set read deadline", protocol.NameStream, err)
		}
		_, err := e.reader.Peek(1)
		_ = e.conn.SetReadDeadline(time.Time{})
		if err != nil {
			if protocol.IsTimeout(err) {
				return "", false, nil
			}
			return "", false, protocol.WrapIO("read stream", protocol.NameStream, err)
		}
	}

	line, err := e.readLine(protocol.NameStream)
	if err != nil {
		return "", false, err
	}
	return line, true, nil
}

func (e *Engine) readLine(command string) (string, error) {
	line, err := e.reader.ReadString('\n')
	if err != nil {
		return "", protocol.WrapIO("read response", command, err)
	}
	logging.LogRawBytes("Received from device", e.id, []byte(line))
	return strings.TrimRight(line, "\r\n"), nil
}

// CheckReserved handles the reserved commands. It returns true when name was
// one of them, in which case it must not be dispatched further.
func (e *Engine) CheckReserved(name string) (bool, error) {
	switch name {
	case protocol.NameDisconnect:
		return true, e.Disconnect()
	case protocol.NameRefresh:
		return true, e.Refresh()
	case protocol.NameStream:
		streaming := !e.streaming.Load()
		e.streaming.Store(streaming)
		logging.Info("Streaming mode toggled",
			logging.DeviceID(e.id),
			zap.Bool("streaming", streaming),
		)
		return true, nil
	}
	return false, nil
}

// Disconnect sends the disconnect opcode, closes the socket, removes the
// engine from its registry and marks it Finished. Only the first call has
// any effect; later calls return the first call's error.
func (e *Engine) Disconnect() error {
	e.disconnectOnce.Do(func() {
		e.state.Store(int32(StateDisconnecting))

		logging.Info("Disconnecting device",
			logging.DeviceID(e.id),
			zap.String("remote_addr", e.remoteAddr),
		)

		// Unblocks a write stuck on an unresponsive device.
		_ = e.conn.SetWriteDeadline(time.Now().Add(disconnectWriteWait))
		writeErr := e.send([]byte{protocol.CommandDisconnect}, protocol.NameDisconnect)
		if writeErr == nil {
			e.opts.Metrics.Sent("reserved")
		}
		closeErr := e.conn.Close()

		if e.opts.Remover != nil {
			e.opts.Remover.Remove(e.id, e)
		}
		_ = e.log.Close()

		e.state.Store(int32(StateFinished))
		close(e.done)

		var errs []error
		if writeErr != nil && !protocol.IsClosed(writeErr) {
			errs = append(errs, writeErr)
		}
		if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			errs = append(errs, closeErr)
		}
		e.disconnectErr = errors.Join(errs...)
	})
	return e.disconnectErr
}
