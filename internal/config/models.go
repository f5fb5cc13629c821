package config

import (
	"fmt"
	"time"

	"github.com/muurk/espctl/internal/protocol"
)

// CurrentVersion is the only configuration version understood by this build.
const CurrentVersion = 1

// Defaults
const (
	DefaultPort        = 80
	DefaultPoolSize    = 20
	DefaultStreamPoll  = 50 * time.Millisecond
	DefaultInstance    = "espctl"
	DefaultResultOrder = "lifo"
)

// File represents the entire configuration file.
type File struct {
	Version   int       `yaml:"version"`
	Server    Server    `yaml:"server"`
	Protocol  Protocol  `yaml:"protocol"`
	Logging   Logging   `yaml:"logging"`
	Discovery Discovery `yaml:"discovery"`
	Operator  Operator  `yaml:"operator"`
}

// Server holds the listener and worker pool settings.
type Server struct {
	Host             string        `yaml:"host"`              // Empty = all interfaces
	Port             int           `yaml:"port"`              // Device listener port
	PoolSize         int           `yaml:"pool_size"`         // Max concurrently running device loops
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 0 = wait forever
}

// Protocol holds wire protocol policy choices.
type Protocol struct {
	Dispatch    string        `yaml:"dispatch"`     // "permissive" or "strict"
	ResultOrder string        `yaml:"result_order"` // "lifo" or "fifo"
	StreamFlag  bool          `yaml:"stream_flag"`  // Honour the identifier's streaming bit
	StreamPoll  time.Duration `yaml:"stream_poll"`  // Idle poll interval for streaming devices
}

// Logging holds log settings.
type Logging struct {
	Level        string `yaml:"level"`          // debug, info, warn, error; empty = silent
	DeviceLogDir string `yaml:"device_log_dir"` // Empty disables per-device logs
}

// Discovery holds mDNS advertisement settings.
type Discovery struct {
	Advertise bool   `yaml:"advertise"`
	Instance  string `yaml:"instance"`
}

// Operator holds the HTTP/WebSocket operator API settings.
type Operator struct {
	Addr string `yaml:"addr"` // Empty disables the operator API
}

// Default returns a configuration with every default applied.
func Default() *File {
	return &File{
		Version: CurrentVersion,
		Server: Server{
			Port:     DefaultPort,
			PoolSize: DefaultPoolSize,
		},
		Protocol: Protocol{
			Dispatch:    protocol.DispatchPermissive.String(),
			ResultOrder: DefaultResultOrder,
			StreamFlag:  true,
			StreamPoll:  DefaultStreamPoll,
		},
		Logging: Logging{
			Level: "info",
		},
		Discovery: Discovery{
			Instance: DefaultInstance,
		},
	}
}

// applyDefaults fills zero values left by a partial file.
func (f *File) applyDefaults() {
	if f.Server.Port == 0 {
		f.Server.Port = DefaultPort
	}
	if f.Server.PoolSize == 0 {
		f.Server.PoolSize = DefaultPoolSize
	}
	if f.Protocol.Dispatch == "" {
		f.Protocol.Dispatch = protocol.DispatchPermissive.String()
	}
	if f.Protocol.ResultOrder == "" {
		f.Protocol.ResultOrder = DefaultResultOrder
	}
	if f.Protocol.StreamPoll == 0 {
		f.Protocol.StreamPoll = DefaultStreamPoll
	}
	if f.Discovery.Instance == "" {
		f.Discovery.Instance = DefaultInstance
	}
}

// Validate checks value ranges and enumerations.
func (f *File) Validate() error {
	if f.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", f.Version, CurrentVersion)
	}
	if f.Server.Port < 0 || f.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", f.Server.Port)
	}
	if f.Server.PoolSize < 1 {
		return fmt.Errorf("server.pool_size must be at least 1, got %d", f.Server.PoolSize)
	}
	if f.Server.HandshakeTimeout < 0 {
		return fmt.Errorf("server.handshake_timeout must not be negative")
	}
	if _, err := protocol.ParseDispatch(f.Protocol.Dispatch); err != nil {
		return fmt.Errorf("protocol.dispatch: %w", err)
	}
	switch f.Protocol.ResultOrder {
	case "lifo", "fifo":
	default:
		return fmt.Errorf("protocol.result_order must be lifo or fifo, got %q", f.Protocol.ResultOrder)
	}
	if f.Protocol.StreamPoll < 0 {
		return fmt.Errorf("protocol.stream_poll must not be negative")
	}
	return nil
}
