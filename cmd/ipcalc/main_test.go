package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	testCases := map[string]struct {
		args []string
		list bool
		want string
	}{
		"cidr": {
			args: []string{"192.168.1.77/24"},
			want: "Address:   192.168.1.77\n" +
				"Network:   192.168.1.0/24\n" +
				"Broadcast: 192.168.1.255\n" +
				"HostMin:   192.168.1.1\n" +
				"HostMax:   192.168.1.254\n" +
				"Addresses: 256\n",
		},
		"netmask": {
			args: []string{"10.20.30.40", "255.255.0.0"},
			want: "Address:   10.20.30.40\n" +
				"Network:   10.20.0.0/16\n" +
				"Broadcast: 10.20.255.255\n" +
				"HostMin:   10.20.0.1\n" +
				"HostMax:   10.20.255.254\n" +
				"Addresses: 65536\n",
		},
		"host route": {
			args: []string{"203.0.113.10/32"},
			want: "Address:   203.0.113.10\n" +
				"Network:   203.0.113.10/32\n" +
				"Broadcast: 203.0.113.10\n" +
				"Addresses: 1\n",
		},
		"ipv6": {
			args: []string{"2001:db8::1/64"},
			want: "Address:   2001:db8::1\n" +
				"Network:   2001:db8::/64\n" +
				"Broadcast: 2001:db8::ffff:ffff:ffff:ffff\n" +
				"HostMin:   2001:db8::1\n" +
				"HostMax:   2001:db8::ffff:ffff:ffff:fffe\n" +
				"Addresses: 2^64\n",
		},
		"list": {
			args: []string{"10.0.0.5/30"},
			list: true,
			want: "10.0.0.4\n10.0.0.5\n10.0.0.6\n10.0.0.7\n",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			addr, bits, err := parseArgs(tc.args)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, run(&buf, addr, bits, tc.list))
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestParseArgsErrors(t *testing.T) {
	testCases := map[string][]string{
		"no args":        nil,
		"bad prefix":     {"10.0.0.0/33"},
		"bad address":    {"nope", "255.0.0.0"},
		"non-contiguous": {"10.0.0.1", "255.0.255.0"},
		"not a mask":     {"10.0.0.1", "garbage"},
		"too many":       {"a", "b", "c"},
	}
	for name, args := range testCases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestRunListTooLarge(t *testing.T) {
	addr, bits, err := parseArgs([]string{"2001:db8::/64"})
	require.NoError(t, err)
	assert.Error(t, run(&bytes.Buffer{}, addr, bits, true))
}
