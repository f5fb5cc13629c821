package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

// Advertisement is a running mDNS announcement of a control server.
type Advertisement struct {
	Instance string
	Port     int
	server   *zeroconf.Server
}

// Advertise announces a control server listening on port under instance.
// txt entries are published as "key=value" TXT records.
func Advertise(instance string, port int, txt []string) (*Advertisement, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	srv, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	return &Advertisement{
		Instance: instance,
		Port:     port,
		server:   srv,
	}, nil
}

// Shutdown withdraws the announcement. It is safe on a nil Advertisement.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}
