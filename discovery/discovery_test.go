package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestEndpointFor(t *testing.T) {
	for _, tc := range []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
	}{
		{
			name: "ipv4 first",
			entry: &zeroconf.ServiceEntry{
				Port:     8081,
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.7")},
				AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
			},
			want: "ws://192.168.1.7:8081",
		},
		{
			name: "ipv6",
			entry: &zeroconf.ServiceEntry{
				Port:     8081,
				AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
			},
			want: "ws://[fe80::1]:8081",
		},
		{
			name:  "host name",
			entry: &zeroconf.ServiceEntry{Port: 9000, HostName: "relay.local."},
			want:  "ws://relay.local.:9000",
		},
		{
			name:  "no address",
			entry: &zeroconf.ServiceEntry{Port: 9000},
		},
		{
			name:  "no port",
			entry: &zeroconf.ServiceEntry{AddrIPv4: []net.IP{net.ParseIP("10.0.0.1")}},
		},
	} {
		got, ok := endpointFor(tc.entry)
		assert.Equal(t, tc.want != "", ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}
