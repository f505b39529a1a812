// Package discovery finds bridges on the local network via mDNS.
package discovery

import (
	"context"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceType is the mDNS service bridges advertise.
	ServiceType = "_hue._tcp"

	// Domain is the mDNS browse domain.
	Domain = "local."
)

// Bridge describes one discovered bridge.
type Bridge struct {
	InstanceName string
	Host         string
	Port         int
	Addresses    []string

	// BridgeID and ModelID come from the advertised TXT records.
	BridgeID string
	ModelID  string
}

// Browse searches for bridges until the context is cancelled. Entries
// are aggregated by instance name, so a bridge reachable on several
// interfaces is emitted once with all its addresses. The returned
// channel is closed when browsing ends.
func Browse(ctx context.Context) (<-chan *Bridge, error) {
	out := make(chan *Bridge)

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)

		seen := make(map[string]*Bridge)

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}

				bridge := entryToBridge(entry)

				existing, found := seen[bridge.InstanceName]
				if found {
					existing.Addresses = mergeAddresses(existing.Addresses, bridge.Addresses)
					continue
				}

				seen[bridge.InstanceName] = bridge

				select {
				case out <- bridge:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}

				delete(seen, entry.Instance)

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	return out, nil
}

func entryToBridge(entry *zeroconf.ServiceEntry) *Bridge {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	bridge := &Bridge{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Port:         entry.Port,
		Addresses:    addrs,
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "bridgeid":
			bridge.BridgeID = value
		case "modelid":
			bridge.ModelID = value
		}
	}

	return bridge
}

func mergeAddresses(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, addr := range existing {
		seen[addr] = struct{}{}
	}

	for _, addr := range incoming {
		if _, ok := seen[addr]; !ok {
			existing = append(existing, addr)
		}
	}

	return existing
}
