// Package discovery finds relays on the local network over mDNS, so that an
// agent started without an endpoint can still join its room.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceName = "_collabtext._tcp"
	Domain      = "local."
)

var ErrNotFound = errors.New("no relay found")

// Advertise registers a relay listening on port. The returned func withdraws
// the registration.
func Advertise(instance string, port int) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", "CollabText", host)
	}
	server, err := zeroconf.Register(
		instance,
		ServiceName,
		Domain,
		port,
		[]string{"txtv=0"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", ServiceName, err)
	}
	glog.V(1).Infof("[d]advertising %s as %s on port %d", ServiceName, instance, port)
	return server.Shutdown, nil
}

// Browse returns the endpoint of the first relay that answers within timeout.
func Browse(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, ServiceName, Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", ServiceName, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if endpoint, ok := endpointFor(entry); ok {
				glog.V(1).Infof("[d]found %s at %s", entry.Instance, endpoint)
				return endpoint, nil
			}
			glog.Infof("[d]%s has no usable address", entry.Instance)
		case <-browseCtx.Done():
			return "", ErrNotFound
		}
	}
}

// endpointFor prefers an IPv4 address, then IPv6, then the host name.
func endpointFor(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry.Port <= 0 {
		return "", false
	}
	var host string
	switch {
	case 0 < len(entry.AddrIPv4):
		host = entry.AddrIPv4[0].String()
	case 0 < len(entry.AddrIPv6):
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = entry.HostName
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}
