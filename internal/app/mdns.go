package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_proximity._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the HTTP API so companion devices can find the engine on the LAN.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "proximity"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Proximity Engine (%s)", hostname))
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		fmt.Sprintf("metrics_port=%d", a.cfg.MetricsPort),
		"stream=/api/events/stream",
		"proto=v1",
		fmt.Sprintf("host=%s", mdnsHostFQDN(hostname)),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// DNS-SD instance labels are limited to 63 bytes and must not contain dots.
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "Proximity Engine"
	}
	return truncateLabel(cleaned)
}

func mdnsHostFQDN(hostname string) string {
	label := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(hostname)))
	if label == "" {
		label = "proximity"
	}
	label = truncateLabel(label)
	if strings.Contains(label, ".") {
		return label
	}
	return label + ".local"
}

func truncateLabel(s string) string {
	const maxLen = 63
	for len(s) > maxLen {
		runes := []rune(s)
		s = string(runes[:len(runes)-1])
	}
	return s
}
