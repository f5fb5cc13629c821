// Package discovery announces and finds ESP control servers over mDNS.
//
// A running server registers itself as an "_espctl._tcp" service so devices
// and operators on the same network segment can find its address without
// configuration. The scanner browses for the same service type.
//
// # Usage Example
//
//	adv, err := discovery.Advertise("espctl", 80, []string{"version=1.0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adv.Shutdown()
//
//	servers, err := discovery.ScanForServers(5 * time.Second)
//	for _, s := range servers {
//	    fmt.Println(s.Instance, s.Addr())
//	}
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Firewall must allow mDNS (UDP port 5353)
package discovery
