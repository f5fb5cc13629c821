package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/muurk/espctl/internal/config"
	"github.com/muurk/espctl/internal/discovery"
	"github.com/muurk/espctl/internal/engine"
	"github.com/muurk/espctl/internal/logging"
	"github.com/muurk/espctl/internal/metrics"
	"github.com/muurk/espctl/internal/operator"
	"github.com/muurk/espctl/internal/protocol"
	"github.com/muurk/espctl/internal/version"
)

// shutdownTimeout bounds the graceful shutdown started by a signal.
const shutdownTimeout = 10 * time.Second

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the server configuration
type Config struct {
	Host             string
	Port             int
	PoolSize         int
	LogLevel         string
	DeviceLogDir     string // Directory for Client_<id>.txt logs (empty = disabled)
	Dispatch         protocol.Dispatch
	ResultOrder      engine.ResultOrder
	StreamFlag       bool
	StreamPoll       time.Duration
	HandshakeTimeout time.Duration // 0 = wait forever
	Advertise        bool          // Announce the server over mDNS
	InstanceName     string
	OperatorAddr     string // HTTP/WebSocket operator API address (empty = disabled)

	// Logger replaces the global logger when set; LogLevel is then ignored.
	Logger *zap.Logger
}

// ConfigFromFile converts a loaded configuration file.
func ConfigFromFile(f *config.File) (*Config, error) {
	dispatch, err := protocol.ParseDispatch(f.Protocol.Dispatch)
	if err != nil {
		return nil, err
	}
	order, err := engine.ParseResultOrder(f.Protocol.ResultOrder)
	if err != nil {
		return nil, err
	}

	return &Config{
		Host:             f.Server.Host,
		Port:             f.Server.Port,
		PoolSize:         f.Server.PoolSize,
		LogLevel:         f.Logging.Level,
		DeviceLogDir:     f.Logging.DeviceLogDir,
		Dispatch:         dispatch,
		ResultOrder:      order,
		StreamFlag:       f.Protocol.StreamFlag,
		StreamPoll:       f.Protocol.StreamPoll,
		HandshakeTimeout: f.Server.HandshakeTimeout,
		Advertise:        f.Discovery.Advertise,
		InstanceName:     f.Discovery.Instance,
		OperatorAddr:     f.Operator.Addr,
	}, nil
}

// testHookEvicted runs after an evicted engine has disconnected and before
// its replacement is registered.
var testHookEvicted func(id byte, old *engine.Engine)

// DeviceInfo describes one registered device.
type DeviceInfo = engine.Info

// Server is the connection registry. It accepts device connections, keeps at
// most one engine per identifier and routes operator requests to them.
type Server struct {
	config   *Config
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	pool     *pool

	ctx    context.Context // Cancelled on Shutdown; aborts pending handshakes
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	engines  map[byte]*engine.Engine
	closed   bool
}

// New creates a new Server instance
func New(config *Config) (*Server, error) {
	if config.Logger != nil {
		logging.SetLogger(config.Logger)
	} else if err := logging.Initialize(config.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if config.PoolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", config.PoolSize)
	}

	if config.DeviceLogDir != "" {
		if err := os.MkdirAll(config.DeviceLogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create device log directory: %w", err)
		}
	}

	m := metrics.New()
	registry, err := metrics.NewRegistry(m)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		metrics:  m,
		registry: registry,
		pool:     newPool(config.PoolSize, m),
		ctx:      ctx,
		cancel:   cancel,
		engines:  make(map[byte]*engine.Engine),
	}, nil
}

// Registry returns the Prometheus registry holding the server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := s.Run(ctx)
	if ctx.Err() != nil {
		logging.Info("Shutdown signal received")
	}
	return err
}

// Run binds the device listener and serves on it until ctx is cancelled or
// accepting fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.RunListener(ctx, ln)
}

// Listen binds the configured device address.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))

	logging.Info("Starting ESP control server",
		zap.String("addr", addr),
		zap.Int("pool_size", s.config.PoolSize),
		zap.String("dispatch", s.config.Dispatch.String()),
		zap.String("result_order", s.config.ResultOrder.String()),
		zap.Bool("stream_flag", s.config.StreamFlag),
		zap.String("log_level", s.config.LogLevel),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	logging.Info("Server listening for connections",
		zap.String("addr", ln.Addr().String()),
	)
	return ln, nil
}

// RunListener starts the optional mDNS advertisement and operator API, then
// serves ln until ctx is cancelled or accepting fails. The server is shut
// down before it returns.
func (s *Server) RunListener(ctx context.Context, ln net.Listener) error {
	if s.config.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(s.config.InstanceName, port, []string{
			"version=" + version.Version,
			"dispatch=" + s.config.Dispatch.String(),
		})
		if err != nil {
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer adv.Shutdown()
		}
	}

	if s.config.OperatorAddr != "" {
		api := &http.Server{
			Addr:              s.config.OperatorAddr,
			Handler:           operator.New(s, s.registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("Operator API listening", zap.String("addr", api.Addr))
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Operator API failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = api.Shutdown(sctx)
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	case err := <-errChan:
		// The listener was closed outside Shutdown.
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := s.Shutdown(sctx); err == nil {
			err = serr
		}
		return err
	}
}

// Serve accepts device connections on ln until it is closed. The handshake
// runs on the accepting goroutine; each engine then runs on the worker pool.
// Accept failures are logged and retried; only Shutdown stops the device
// loops.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Registered devices are unaffected; back off and keep accepting.
			delay = acceptBackoff(delay)
			logging.Error("Failed to accept connection",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.handleConnection(conn)
	}
}

// acceptBackoff doubles the wait after a failed accept, from
// minAcceptBackoff up to maxAcceptBackoff.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptBackoff
	}
	if next := prev * 2; next < maxAcceptBackoff {
		return next
	}
	return maxAcceptBackoff
}

// handleConnection performs the handshake and registers the engine.
func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	logging.LogConnection(remoteAddr, "connection_accepted")

	opts := engine.Options{
		Remover:          s,
		Dispatch:         s.config.Dispatch,
		ResultOrder:      s.config.ResultOrder,
		StreamFlag:       s.config.StreamFlag,
		StreamPoll:       s.config.StreamPoll,
		HandshakeTimeout: s.config.HandshakeTimeout,
		Metrics:          s.metrics,
	}
	if s.config.DeviceLogDir != "" {
		opts.DeviceLogs = logging.DirDeviceLogs(s.config.DeviceLogDir)
	}

	e, err := engine.New(s.ctx, conn, opts)
	if err != nil {
		logging.Warn("Handshake failed",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		return
	}

	if !s.register(e) {
		_ = e.Disconnect()
		return
	}
	s.pool.submit(e.Run)
}

// register makes e reachable under its identifier, evicting any engine
// already registered there. The old engine is fully disconnected before e
// becomes reachable. It returns false once the server is shutting down.
func (s *Server) register(e *engine.Engine) bool {
	id := e.ID()

	s.mu.Lock()
	old := s.engines[id]
	if old != nil {
		delete(s.engines, id)
		s.metrics.DeviceConnected(-1)
	}
	s.mu.Unlock()

	// Disconnect calls Remove, so the lock must not be held here.
	if old != nil {
		logging.Info("Evicting previous connection",
			logging.DeviceID(id),
			zap.String("old_addr", old.RemoteAddr()),
			zap.String("new_addr", e.RemoteAddr()),
		)
		s.metrics.Evicted()
		if err := old.Disconnect(); err != nil {
			logging.Warn("Error disconnecting evicted device", logging.DeviceID(id), zap.Error(err))
		}
		if testHookEvicted != nil {
			testHookEvicted(id, old)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.engines[id] = e
	s.metrics.DeviceConnected(1)
	return true
}

// Remove deletes the registration for id if it still belongs to e. Engines
// call it when they disconnect.
func (s *Server) Remove(id byte, e *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.engines[id]; ok && cur == e {
		delete(s.engines, id)
		s.metrics.DeviceConnected(-1)
		logging.Info("Device removed", logging.DeviceID(id))
	}
}

func (s *Server) lookup(id byte) *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engines[id]
}

// AddRequest queues command for the device with identifier id. Requests for
// unknown devices and oversize payloads are logged and dropped.
func (s *Server) AddRequest(command string, id byte, payload []byte) {
	if len(payload) > protocol.MaxPayload {
		s.metrics.Dropped("oversize")
		logging.Warn("Dropping request with oversize payload",
			logging.DeviceID(id),
			zap.String("command", command),
			zap.Int("payload_len", len(payload)),
		)
		return
	}

	e := s.lookup(id)
	if e == nil {
		s.metrics.Dropped("unknown_device")
		logging.Warn("Dropping request for unknown device",
			logging.DeviceID(id),
			zap.String("command", command),
		)
		return
	}
	e.AddRequest(command, payload)
}

// AddRequestInts encodes values as a payload and queues the request.
func (s *Server) AddRequestInts(command string, id byte, values ...int32) {
	payload, err := protocol.EncodePayload(values...)
	if err != nil {
		s.metrics.Dropped("oversize")
		logging.Warn("Dropping request",
			logging.DeviceID(id),
			zap.String("command", command),
			zap.Error(err),
		)
		return
	}
	s.AddRequest(command, id, payload)
}

// ReadResult returns the next stored result for id.
func (s *Server) ReadResult(id byte) (engine.Result, bool) {
	e := s.lookup(id)
	if e == nil {
		return engine.Result{}, false
	}
	return e.PollResult()
}

// HasHandler reports whether a device with identifier id is registered.
func (s *Server) HasHandler(id byte) bool {
	return s.lookup(id) != nil
}

// Devices returns the registered devices ordered by identifier.
func (s *Server) Devices() []DeviceInfo {
	s.mu.Lock()
	engines := make([]*engine.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	infos := make([]DeviceInfo, 0, len(engines))
	for _, e := range engines {
		infos = append(infos, e.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// GetActiveConnections returns the number of registered devices
func (s *Server) GetActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

// Shutdown closes the listener, disconnects every device and stops the
// worker pool. Errors are logged, not returned.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down server...")

	s.mu.Lock()
	s.closed = true
	ln := s.listener
	engines := make([]*engine.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	s.cancel()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logging.Error("Error closing listener", zap.Error(err))
		}
	}

	for _, e := range engines {
		logging.Info("Closing active connection",
			logging.DeviceID(e.ID()),
			zap.String("remote_addr", e.RemoteAddr()),
		)
		if err := e.Disconnect(); err != nil {
			logging.Warn("Error disconnecting device", logging.DeviceID(e.ID()), zap.Error(err))
		}
	}

	s.pool.stop()
	if err := s.pool.wait(ctx); err != nil {
		logging.Warn("Shutdown timeout, forcing close")
	} else {
		logging.Info("All connections closed gracefully")
	}

	s.mu.Lock()
	clear(s.engines)
	s.mu.Unlock()

	logging.Sync()
	return nil
}
