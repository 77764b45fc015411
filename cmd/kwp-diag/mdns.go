package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_kwp-diag._tcp"

// mdnsPort extracts the port of a bound listener address.
func mdnsPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.MDNSName != "" {
		return cfg.MDNSName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("kwp-diag-%s", host)
}

// runMDNS advertises the monitor port until ctx ends.
func runMDNS(ctx context.Context, cfg *appConfig, port int) error {
	meta := []string{
		"adapter=" + cfg.Adapter,
		"l2=" + cfg.L2,
		"l3=" + cfg.L3,
		"mode=" + cfg.Mode,
		"version=" + version,
		"commit=" + commit,
	}
	if cfg.MetricsAddr != "" {
		meta = append(meta, "ws="+cfg.WSPath)
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	<-ctx.Done()
	svc.Shutdown()
	return nil
}
