// Package netutil converts between the IPv4 addresses identifying
// builder hosts and their 32-bit integer encoding stored in the builds
// table.
package netutil

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// IPv4ToInt encodes an IPv4 address as a big-endian 32-bit integer.
func IPv4ToInt(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, errors.Errorf("not an IPv4 address: %s", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// IntToIPv4 is the inverse of IPv4ToInt.
func IntToIPv4(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

// OutboundIPv4 returns the host's primary outbound IPv4 address, encoded.
// No packet is sent; the UDP dial only asks the kernel for a route.
func OutboundIPv4() (uint32, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return 0, errors.Wrap(err, "determining outbound address")
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, errors.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return IPv4ToInt(addr.IP)
}
