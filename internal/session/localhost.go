package session

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// LocalDetector decides whether a host identifier refers to this machine
type LocalDetector struct {
	names map[string]struct{}
}

// NewLocalDetector creates a detector recognising the loopback names plus extra
func NewLocalDetector(extra ...string) *LocalDetector {
	d := &LocalDetector{names: make(map[string]struct{})}
	for _, name := range []string{"localhost", "127.0.0.1", "::1"} {
		d.add(name)
	}
	for _, name := range extra {
		d.add(name)
	}
	return d
}

// DetectLocal builds a detector from the system hostname and interface addresses
func DetectLocal(ctx context.Context) *LocalDetector {
	d := NewLocalDetector()

	if info, err := host.InfoWithContext(ctx); err == nil {
		d.add(info.Hostname)
	}
	if name, err := os.Hostname(); err == nil {
		d.add(name)
		if short, _, found := strings.Cut(name, "."); found {
			d.add(short)
		}
	}

	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			for _, addr := range iface.Addrs {
				ip, _, _ := strings.Cut(addr.Addr, "/")
				d.add(ip)
			}
		}
	}

	return d
}

// IsLocal reports whether host resolves to the current machine
func (d *LocalDetector) IsLocal(host string) bool {
	_, ok := d.names[strings.ToLower(strings.TrimSpace(host))]
	return ok
}

func (d *LocalDetector) add(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" {
		d.names[name] = struct{}{}
	}
}
