// Package discovery advertises and finds signaling relays on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_ltoc-signal._tcp"
	Domain  = "local."
	// DefaultPath is the relay's websocket route.
	DefaultPath = "/signal"
)

// Advertiser keeps a relay registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance on port with the websocket path in its TXT record.
func Advertise(instance string, port int, path string) (*Advertiser, error) {
	if path == "" {
		path = DefaultPath
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"path=" + path}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Browse collects relay URLs until ctx is done. The result is sorted and
// free of duplicates.
func Browse(ctx context.Context) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			urls := make([]string, 0, len(seen))
			for u := range seen {
				urls = append(urls, u)
			}
			sort.Strings(urls)
			return urls, nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			for _, u := range entryURLs(entry) {
				seen[u] = struct{}{}
			}
		}
	}
}

func entryURLs(entry *zeroconf.ServiceEntry) []string {
	if entry == nil {
		return nil
	}
	path := DefaultPath
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			path = v
		}
	}
	port := strconv.Itoa(entry.Port)
	var urls []string
	for _, ip := range entry.AddrIPv4 {
		urls = append(urls, "ws://"+net.JoinHostPort(ip.String(), port)+path)
	}
	if len(urls) == 0 && entry.HostName != "" {
		urls = append(urls, "ws://"+net.JoinHostPort(strings.TrimSuffix(entry.HostName, "."), port)+path)
	}
	return urls
}
