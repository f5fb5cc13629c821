package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Server represents a control server found on the network
type Server struct {
	// Instance is the announced instance name (e.g., "espctl")
	Instance string

	// Host is the mDNS hostname (e.g., "lab-pi.local.")
	Host string

	// IP is the preferred address, IPv4 when available
	IP string

	// Port is the device listener port
	Port int

	// Metadata contains the TXT record data
	// Common fields: "version", "dispatch"
	Metadata map[string]string

	// DiscoveredAt is when the server was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the server
func (s *Server) String() string {
	return fmt.Sprintf("%s (%s) at %s", s.Instance, s.Host, s.Addr())
}

// Addr returns the host:port address devices connect to
func (s *Server) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (s *Server) GetMetadata(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}
