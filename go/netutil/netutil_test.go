package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPv4RoundTrip(t *testing.T) {
	for _, addr := range []string{"10.0.0.1", "192.168.1.254", "1.2.3.4", "0.0.0.0"} {
		n, err := IPv4ToInt(net.ParseIP(addr))
		require.NoError(t, err, addr)
		assert.Equal(t, addr, IntToIPv4(n).String())
	}
	assert.Equal(t, net.ParseIP("1.2.3.4").To4(), IntToIPv4(0x01020304))
}

func TestIPv4ToInt_RejectsIPv6(t *testing.T) {
	_, err := IPv4ToInt(net.ParseIP("::1"))
	require.Error(t, err)
}
