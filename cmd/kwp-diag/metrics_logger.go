package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

// runMetricsLogger logs a counter snapshot every interval until ctx ends.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"l2_tx", snap.L2Tx,
				"l2_rx", snap.L2Rx,
				"bad_checksum", snap.BadChecksum,
				"negative", snap.Negative,
				"busy_retries", snap.BusyRetries,
				"keepalives", snap.Keepalives,
				"keepalive_fails", snap.KeepaliveFails,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"ws_rx", snap.WSRx,
				"ws_tx", snap.WSTx,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
