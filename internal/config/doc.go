// Package config provides the configuration file for the ESP control server.
//
// The configuration is a versioned YAML document. Every field has a default,
// so a missing file is equivalent to an empty one; command-line flags override
// individual values after loading.
//
// # Configuration File Location
//
// The default file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/espctl/config.yaml or $HOME/.config/espctl/config.yaml
//   - macOS: $HOME/.config/espctl/config.yaml
//   - Windows: %LOCALAPPDATA%\espctl\config.yaml
//
// # Example
//
//	version: 1
//	server:
//	  host: ""
//	  port: 80
//	  pool_size: 20
//	  handshake_timeout: 0s
//	protocol:
//	  dispatch: permissive
//	  result_order: lifo
//	  stream_flag: true
//	  stream_poll: 50ms
//	logging:
//	  level: info
//	  device_log_dir: ./logs
//	discovery:
//	  advertise: false
//	  instance: espctl
//	operator:
//	  addr: 127.0.0.1:8080
package config
