// Package netlink implements the WiFi link on a Linux host. Status
// comes from the kernel's interface table; association is delegated to
// an optional external command such as nmcli or wpa_cli.
package netlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"slices"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// joinTimeout bounds one run of the join command.
const joinTimeout = 20 * time.Second

// Link is a WiFi link backed by a host network interface.
type Link struct {
	iface  string
	join   []string
	logger *slog.Logger

	interfaces func(ctx context.Context) ([]psnet.InterfaceStat, error)
	run        func(ctx context.Context, argv []string) ([]byte, error)
}

// New creates a link watching iface. joinCommand is an argv whose
// elements may contain {ssid} and {password}; empty means the OS
// manages association.
func New(iface string, joinCommand []string, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		iface:  iface,
		join:   joinCommand,
		logger: logger,
		interfaces: func(ctx context.Context) ([]psnet.InterfaceStat, error) {
			return psnet.InterfacesWithContext(ctx)
		},
		run: func(ctx context.Context, argv []string) ([]byte, error) {
			return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		},
	}
}

// WiFiBegin runs the join command, if one is configured.
func (l *Link) WiFiBegin(ctx context.Context, ssid, password string) error {
	if len(l.join) == 0 {
		return nil
	}

	argv := make([]string, len(l.join))
	for i, arg := range l.join {
		arg = strings.ReplaceAll(arg, "{ssid}", ssid)
		argv[i] = strings.ReplaceAll(arg, "{password}", password)
	}

	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	l.logger.Debug("running wifi join command", "command", l.join[0], "ssid", ssid)
	out, err := l.run(ctx, argv)
	if err != nil {
		return fmt.Errorf("join %s: %w: %s", ssid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WiFiStatus reports whether the interface is up with a routable
// address. A blank interface name accepts any non-loopback interface.
func (l *Link) WiFiStatus(ctx context.Context) bool {
	ifaces, err := l.interfaces(ctx)
	if err != nil {
		l.logger.Debug("interface query failed", "error", err)
		return false
	}
	for _, ifc := range ifaces {
		if l.iface != "" && ifc.Name != l.iface {
			continue
		}
		if !slices.Contains(ifc.Flags, "up") || slices.Contains(ifc.Flags, "loopback") {
			continue
		}
		for _, a := range ifc.Addrs {
			if usable(a.Addr) {
				return true
			}
		}
	}
	return false
}

// usable reports whether addr (CIDR or bare) is neither loopback,
// link-local nor unspecified.
func usable(addr string) bool {
	var ip netip.Addr
	if p, err := netip.ParsePrefix(addr); err == nil {
		ip = p.Addr()
	} else if a, err := netip.ParseAddr(addr); err == nil {
		ip = a
	} else {
		return false
	}
	return ip.IsValid() &&
		!ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsUnspecified()
}
