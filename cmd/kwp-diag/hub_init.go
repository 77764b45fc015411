package main

import (
	"log/slog"

	"github.com/kstaniek/go-kwp-diag/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.HubBuffer
	p, err := hub.ParsePolicy(cfg.HubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.HubPolicy, "used", p)
	}
	h.Policy = p
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy, "buffer", h.OutBufSize)
	return h
}
