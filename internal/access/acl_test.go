package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPMask(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		expected      Subnet
		errorExpected bool
	}{
		{
			name:     "all",
			input:    "all",
			expected: Subnet{IP: 0, Mask: 0},
		},
		{
			name:     "single address",
			input:    "192.168.1.10",
			expected: Subnet{IP: MakeIP(192, 168, 1, 10), Mask: 0xFFFFFFFF},
		},
		{
			name:     "bit mask",
			input:    "10.0.0.0/24",
			expected: Subnet{IP: MakeIP(10, 0, 0, 0), Mask: MakeIP(255, 255, 255, 0)},
		},
		{
			name:     "zero bit mask",
			input:    "10.0.0.0/0",
			expected: Subnet{IP: MakeIP(10, 0, 0, 0), Mask: 0},
		},
		{
			name:     "full bit mask",
			input:    "10.1.2.3/32",
			expected: Subnet{IP: MakeIP(10, 1, 2, 3), Mask: 0xFFFFFFFF},
		},
		{
			name:     "dotted mask",
			input:    "172.16.0.0/255.240.0.0",
			expected: Subnet{IP: MakeIP(172, 16, 0, 0), Mask: MakeIP(255, 240, 0, 0)},
		},
		{
			name:          "octet out of range",
			input:         "256.0.0.1",
			errorExpected: true,
		},
		{
			name:          "bit mask too long",
			input:         "10.0.0.0/33",
			errorExpected: true,
		},
		{
			name:          "mask octet out of range",
			input:         "10.0.0.0/255.255.300.0",
			errorExpected: true,
		},
		{
			name:          "garbage",
			input:         "localhost",
			errorExpected: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, err := ParseIPMask(test.input)
			if test.errorExpected {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, s)
		})
	}
}

func TestSubnetMatch(t *testing.T) {
	s, err := ParseIPMask("10.0.0.0/24")
	require.NoError(t, err)

	assert.True(t, s.Match(MakeIP(10, 0, 0, 5)))
	assert.True(t, s.Match(MakeIP(10, 0, 0, 255)))
	assert.False(t, s.Match(MakeIP(10, 0, 1, 5)))

	all, err := ParseIPMask("all")
	require.NoError(t, err)
	assert.True(t, all.IsWildcard())
	assert.True(t, all.Match(MakeIP(8, 8, 8, 8)))
}

func TestIPStringConversions(t *testing.T) {
	ip := MakeIP(127, 0, 0, 1)
	assert.Equal(t, uint32(0x7F000001), ip)
	assert.Equal(t, "127.0.0.1", IP2Str(ip))
	assert.Equal(t, ip, Str2IP("127.0.0.1"))
	assert.Equal(t, uint32(0), Str2IP("not-an-ip"))
}

func TestParseOrder(t *testing.T) {
	tests := []struct {
		input         string
		expected      Order
		errorExpected bool
	}{
		{input: "deny,allow", expected: DenyAllow},
		{input: "allow,deny", expected: AllowDeny},
		{input: "allow, deny", expected: AllowDeny},
		{input: "Mutual-Failure", expected: MutualFailure},
		{input: "first-match", errorExpected: true},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			o, err := ParseOrder(test.input)
			if test.errorExpected {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, o)
		})
	}
}

func TestACLCheck(t *testing.T) {
	ip := MakeIP(10, 0, 0, 5)
	tests := []struct {
		name     string
		order    string
		allow    []string
		deny     []string
		expected Decision
	}{
		{
			name:     "deny,allow allowed",
			order:    "deny,allow",
			allow:    []string{"10.0.0.0/24"},
			expected: AcceptUnconditional,
		},
		{
			name:     "deny,allow denied",
			order:    "deny,allow",
			deny:     []string{"10.0.0.0/24"},
			expected: Reject,
		},
		{
			name:     "deny,allow in both lists",
			order:    "deny,allow",
			allow:    []string{"10.0.0.5"},
			deny:     []string{"10.0.0.0/24"},
			expected: Reject,
		},
		{
			name:     "deny,allow unlisted",
			order:    "deny,allow",
			allow:    []string{"192.168.0.0/16"},
			expected: Accept,
		},
		{
			name:     "allow,deny in both lists",
			order:    "allow,deny",
			allow:    []string{"10.0.0.5"},
			deny:     []string{"all"},
			expected: AcceptUnconditional,
		},
		{
			name:     "allow,deny denied",
			order:    "allow,deny",
			deny:     []string{"10.0.0.0/8"},
			expected: Reject,
		},
		{
			name:     "allow,deny unlisted",
			order:    "allow,deny",
			expected: Accept,
		},
		{
			name:     "mutual-failure in both lists",
			order:    "mutual-failure",
			allow:    []string{"10.0.0.0/24"},
			deny:     []string{"10.0.0.5"},
			expected: Reject,
		},
		{
			name:     "mutual-failure allowed only",
			order:    "mutual-failure",
			allow:    []string{"10.0.0.0/24"},
			expected: AcceptUnconditional,
		},
		{
			name:     "mutual-failure unlisted",
			order:    "mutual-failure",
			expected: Reject,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			acl, err := ParseACL(test.order, test.allow, test.deny)
			require.NoError(t, err)
			assert.Equal(t, test.expected, acl.Check(ip))
		})
	}
}

func TestParseACLRejectsBadEntries(t *testing.T) {
	_, err := ParseACL("deny,allow", []string{"10.0.0.0/40"}, nil)
	assert.Error(t, err)

	_, err = ParseACL("deny,allow", nil, []string{"1.2.3"})
	assert.Error(t, err)

	_, err = ParseACL("sideways", nil, nil)
	assert.Error(t, err)
}
