package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/espctl/internal/logging"
	"github.com/muurk/espctl/internal/metrics"
	"github.com/muurk/espctl/internal/protocol"
)

// DefaultStreamPoll is how long a streaming read waits for the first byte
// before reporting that nothing is available.
const DefaultStreamPoll = 50 * time.Millisecond

// disconnectWriteWait bounds the disconnect opcode write so a stalled device
// cannot block Disconnect.
var disconnectWriteWait = time.Second

// State is the lifecycle state of an engine.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDisconnecting
	StateFinished
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Remover is the only capability an engine holds on its registry.
type Remover interface {
	Remove(id byte, e *Engine)
}

// RemoverFunc adapts a function to Remover.
type RemoverFunc func(id byte, e *Engine)

// Remove calls f(id, e).
func (f RemoverFunc) Remove(id byte, e *Engine) {
	f(id, e)
}

// Options configures an engine.
type Options struct {
	Remover          Remover
	Dispatch         protocol.Dispatch
	ResultOrder      ResultOrder
	StreamFlag       bool          // Honour the identifier's streaming bit
	StreamPoll       time.Duration // Defaults to DefaultStreamPoll
	HandshakeTimeout time.Duration // 0 = no deadline
	DeviceLogs       logging.DeviceLogs
	Metrics          *metrics.Metrics
}

// Engine is the protocol engine for one connected device.
type Engine struct {
	id         byte
	conn       net.Conn
	reader     *bufio.Reader
	remoteAddr string
	opts       Options

	tableMu sync.RWMutex
	table   *protocol.Table

	writeMu sync.Mutex

	requests *requestQueue
	results  *resultStore

	state     atomic.Int32
	streaming atomic.Bool

	done           chan struct{}
	disconnectOnce sync.Once
	disconnectErr  error

	log *logging.DeviceLog
}

// New performs the handshake on conn and returns an Active engine.
// On failure the connection is closed and no engine is returned.
func New(ctx context.Context, conn net.Conn, opts Options) (*Engine, error) {
	if opts.StreamPoll <= 0 {
		opts.StreamPoll = DefaultStreamPoll
	}

	e := &Engine{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		remoteAddr: conn.RemoteAddr().String(),
		opts:       opts,
		table:      protocol.NewTable(),
		requests:   newRequestQueue(),
		results:    &resultStore{order: opts.ResultOrder},
		done:       make(chan struct{}),
		log:        logging.NopDeviceLog(),
	}
	e.state.Store(int32(StateConnecting))

	if err := e.handshake(ctx); err != nil {
		_ = conn.Close()
		e.state.Store(int32(StateFinished))
		close(e.done)
		opts.Metrics.Handshake(false)
		return nil, err
	}
	opts.Metrics.Handshake(true)

	if opts.DeviceLogs != nil {
		sink, err := opts.DeviceLogs(e.id)
		if err != nil {
			logging.Warn("Failed to open device log",
				logging.DeviceID(e.id),
				zap.Error(err),
			)
		} else {
			e.log = sink
		}
	}

	e.state.Store(int32(StateActive))

	logging.Info("Device connected",
		logging.DeviceID(e.id),
		zap.String("remote_addr", e.remoteAddr),
		zap.Bool("streaming", e.Streaming()),
		zap.Strings("commands", e.Commands()),
	)

	return e, nil
}

func (e *Engine) handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = e.conn.Close() })
	defer stop()

	if e.opts.HandshakeTimeout > 0 {
		if err := e.conn.SetDeadline(time.Now().Add(e.opts.HandshakeTimeout)); err != nil {
			return protocol.WrapIO("set handshake deadline", "", err)
		}
		defer func() { _ = e.conn.SetDeadline(time.Time{}) }()
	}

	id, err := protocol.ReadIdentifier(e.reader)
	if err != nil {
		return err
	}
	e.id = id
	e.streaming.Store(e.opts.StreamFlag && protocol.IsStreamingID(id))

	if e.streaming.Load() {
		return nil
	}
	return e.Refresh()
}

// ID returns the device identifier.
func (e *Engine) ID() byte {
	return e.id
}

// RemoteAddr returns the device's address.
func (e *Engine) RemoteAddr() string {
	return e.remoteAddr
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Finished reports whether the engine reached StateFinished.
func (e *Engine) Finished() bool {
	return e.State() == StateFinished
}

// Done is closed when the engine is Finished.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Streaming reports whether the engine is in streaming mode.
func (e *Engine) Streaming() bool {
	return e.streaming.Load()
}

// Commands returns the negotiated command names, built-ins included.
func (e *Engine) Commands() []string {
	e.tableMu.RLock()
	defer e.tableMu.RUnlock()
	return e.table.Names()
}

// PendingRequests returns the number of queued requests.
func (e *Engine) PendingRequests() int {
	return e.requests.len()
}

// PendingResults returns the number of results not yet polled.
func (e *Engine) PendingResults() int {
	return e.results.len()
}

// AddRequest queues a command for the loop. It never blocks on I/O.
func (e *Engine) AddRequest(name string, payload []byte) {
	p := make([]byte, len(payload))
	copy(p, payload)
	e.requests.push(Request{Command: name, Payload: p})
	e.opts.Metrics.Queued()

	logging.Debug("Request queued",
		logging.DeviceID(e.id),
		zap.String("command", name),
		zap.Int("payload_len", len(p)),
	)
}

// Info is a point-in-time view of an engine.
type Info struct {
	ID              byte     `json:"id"`
	RemoteAddr      string   `json:"remote_addr"`
	State           string   `json:"state"`
	Streaming       bool     `json:"streaming"`
	Commands        []string `json:"commands"`
	PendingRequests int      `json:"pending_requests"`
	PendingResults  int      `json:"pending_results"`
}

// Info returns a snapshot of the engine.
func (e *Engine) Info() Info {
	return Info{
		ID:              e.id,
		RemoteAddr:      e.remoteAddr,
		State:           e.State().String(),
		Streaming:       e.Streaming(),
		Commands:        e.Commands(),
		PendingRequests: e.PendingRequests(),
		PendingResults:  e.PendingResults(),
	}
}

// PollResult removes and returns the next result, or false if none is stored.
func (e *Engine) PollResult() (Result, bool) {
	return e.results.pop()
}

func (e *Engine) lookup(name string) (protocol.Opcode, bool) {
	e.tableMu.RLock()
	defer e.tableMu.RUnlock()
	return e.table.Lookup(name)
}

func (e *Engine) send(data []byte, command string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	logging.LogRawBytes("Sending to device", e.id, data)
	if _, err := e.conn.Write(data); err != nil {
		return protocol.WrapIO("write", command, err)
	}
	return nil
}

func (e *Engine) store(command, response string, latency time.Duration) {
	e.results.push(Result{Command: command, Response: response, At: time.Now()})
	e.log.Record(command, response)
	e.opts.Metrics.Response(latency)

	logging.Info("Response received",
		logging.DeviceID(e.id),
		zap.String("command", command),
		zap.String("response", response),
	)
}
