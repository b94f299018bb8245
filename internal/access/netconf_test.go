package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetEntry(t *testing.T) {
	s, err := ParseNetEntry("192.168.0.0:255.255.0.0")
	require.NoError(t, err)
	assert.Equal(t, Subnet{IP: MakeIP(192, 168, 0, 0), Mask: MakeIP(255, 255, 0, 0)}, s)

	_, err = ParseNetEntry("192.168.0.0/16")
	assert.Error(t, err)
	_, err = ParseNetEntry("192.168.0.0:255.255.0")
	assert.Error(t, err)
}

func TestNetConfigChecks(t *testing.T) {
	nc, err := ParseNetConfig(
		[]string{"192.168.1.1:255.255.255.0"},
		[]string{"10.0.0.0:255.0.0.0"},
		[]string{"172.16.5.5:255.255.255.255"},
	)
	require.NoError(t, err)

	lan, subnet := nc.LANSubnetCheck(MakeIP(192, 168, 1, 77))
	assert.Equal(t, MakeIP(192, 168, 1, 1), lan)
	assert.Equal(t, MakeIP(255, 255, 255, 0), subnet.Mask)

	lan, _ = nc.LANSubnetCheck(MakeIP(8, 8, 8, 8))
	assert.Zero(t, lan)

	assert.True(t, nc.TrustedIPCheck(MakeIP(10, 20, 30, 40)))
	assert.False(t, nc.TrustedIPCheck(MakeIP(172, 16, 5, 5)))

	assert.True(t, nc.AllowedIPCheck(MakeIP(172, 16, 5, 5)))
	assert.True(t, nc.AllowedIPCheck(MakeIP(10, 1, 1, 1)), "trusted implies allowed")
	assert.False(t, nc.AllowedIPCheck(MakeIP(172, 16, 5, 6)))
}

func TestParseNetConfigError(t *testing.T) {
	_, err := ParseNetConfig(nil, []string{"bogus"}, nil)
	assert.Error(t, err)
}
