package discovery

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceType is the mDNS service type devices announce.
	ServiceType = "_miio._udp"
	// Domain is the mDNS browse domain.
	Domain = "local."
)

// MDNSAnnouncer browses for devices with zeroconf.
type MDNSAnnouncer struct {
	iface  string
	logger *slog.Logger
}

// NewMDNSAnnouncer creates an announcer. An empty iface browses on all
// interfaces.
func NewMDNSAnnouncer(iface string, logger *slog.Logger) *MDNSAnnouncer {
	return &MDNSAnnouncer{iface: iface, logger: logger.With("component", "mdns")}
}

// Announcements starts browsing and returns a channel that is closed when
// ctx is cancelled.
func (a *MDNSAnnouncer) Announcements(ctx context.Context) (<-chan Announcement, error) {
	out := make(chan Announcement)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)
		for {
			var (
				entry *zeroconf.ServiceEntry
				gone  bool
				ok    bool
			)
			select {
			case <-ctx.Done():
				return
			case entry, ok = <-entries:
				if !ok {
					return
				}
			case entry, ok = <-removed:
				if !ok {
					removed = nil
					continue
				}
				gone = true
			}

			ann, valid := entryToAnnouncement(entry)
			if !valid {
				a.logger.Debug("ignoring mdns entry", "instance", entry.Instance)
				continue
			}
			ann.Removed = gone
			select {
			case out <- ann:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, a.options()...); err != nil {
			a.logger.Error("mdns browse failed", "error", err)
		}
	}()

	return out, nil
}

func (a *MDNSAnnouncer) options() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if a.iface != "" {
		iface, err := net.InterfaceByName(a.iface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			a.logger.Warn("unknown interface, browsing on all", "interface", a.iface, "error", err)
		}
	}
	return opts
}

// entryToAnnouncement parses instance names of the form
// "zhimi-airpurifier-m1_miio12345678".
func entryToAnnouncement(entry *zeroconf.ServiceEntry) (Announcement, bool) {
	model, id, ok := parseInstance(entry.Instance)
	if !ok {
		return Announcement{}, false
	}
	ann := Announcement{ID: id, Model: model}
	switch {
	case len(entry.AddrIPv4) > 0:
		ann.Address = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		ann.Address = entry.AddrIPv6[0].String()
	}
	for _, txt := range entry.Text {
		if v, found := strings.CutPrefix(txt, "token="); found {
			ann.Token = v
		}
	}
	return ann, true
}

func parseInstance(instance string) (model, id string, ok bool) {
	name, id, found := strings.Cut(instance, "_miio")
	if !found || name == "" || id == "" {
		return "", "", false
	}
	return strings.ReplaceAll(name, "-", "."), id, true
}
