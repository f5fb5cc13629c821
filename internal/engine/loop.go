package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/muurk/espctl/internal/logging"
	"github.com/muurk/espctl/internal/protocol"
)

// Run processes requests until the engine is Finished. Cancelling ctx
// disconnects the device.
func (e *Engine) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = e.Disconnect() })
	defer stop()

	logging.Debug("Engine loop started", logging.DeviceID(e.id))

	for !e.Finished() {
		e.step()
	}

	logging.Debug("Engine loop finished", logging.DeviceID(e.id))
}

// step runs one loop iteration.
func (e *Engine) step() {
	if e.Streaming() {
		e.stepStreaming()
		return
	}

	req, ok := e.requests.pop()
	if !ok {
		select {
		case <-e.requests.wake:
		case <-e.done:
		}
		return
	}
	e.process(req)
}

func (e *Engine) stepStreaming() {
	if req, ok := e.requests.popReserved(); ok {
		e.process(req)
		return
	}

	line, ok, err := e.ReadStream()
	if err != nil {
		e.fail("read stream", protocol.NameStream, err)
		return
	}
	if ok {
		e.store(protocol.NameStream, line, 0)
	}
}

// process dispatches a single request. Reserved commands are handled by the
// engine; everything else is a read followed by a write.
func (e *Engine) process(req Request) {
	e.log.Request(req.Command, req.Payload)

	handled, err := e.CheckReserved(req.Command)
	if err != nil {
		e.fail("reserved", req.Command, err)
	}
	if handled {
		return
	}

	if e.opts.Dispatch == protocol.DispatchStrict {
		e.processStrict(req)
		return
	}

	line, ok, latency, err := e.read(req.Command)
	if err != nil {
		e.fail("read", req.Command, err)
		return
	}
	if ok {
		e.store(req.Command, line, latency)
	}

	if err := e.Write(req.Command, req.Payload); err != nil {
		e.fail("write", req.Command, err)
	}
}

func (e *Engine) processStrict(req Request) {
	op, known := e.lookup(req.Command)
	switch {
	case !known:
		e.fail("dispatch", req.Command, protocol.NewBadInstruction("dispatch", req.Command))

	case op.IsRead():
		line, ok, latency, err := e.read(req.Command)
		if err != nil {
			e.fail("read", req.Command, err)
			return
		}
		if ok {
			e.store(req.Command, line, latency)
		}

	default:
		if err := e.Write(req.Command, req.Payload); err != nil {
			e.fail("write", req.Command, err)
		}
	}
}

// fail logs an iteration error. A connection that is gone is disconnected;
// any other failure leaves the loop running.
func (e *Engine) fail(op, command string, err error) {
	if e.Finished() {
		return
	}

	if protocol.IsBadInstruction(err) {
		e.opts.Metrics.BadInstruction(op)
		logging.Warn("Request rejected",
			logging.DeviceID(e.id),
			zap.String("op", op),
			zap.String("command", command),
			zap.Error(err),
		)
		return
	}

	e.opts.Metrics.IOError(op)
	logging.Warn("Device operation failed",
		logging.DeviceID(e.id),
		zap.String("op", op),
		zap.String("command", command),
		zap.Error(err),
	)

	if protocol.IsClosed(err) {
		_ = e.Disconnect()
	}
}
