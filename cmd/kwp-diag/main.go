package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/server"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion, err := loadConfig(os.Args[1:])
	if showVersion {
		fmt.Printf("kwp-diag %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l, os.Stdout); err != nil {
		l.Error("exit_error", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appConfig, l *slog.Logger, out io.Writer) error {
	if cfg.Mode == modeRequest {
		return runRequest(ctx, cfg, l, out)
	}
	return runServe(ctx, cfg, l)
}

// runRequest sends one request, prints every reply, and disconnects.
// Further replies (other ECUs on a functional request) are collected
// for RequestTimeout.
func runRequest(ctx context.Context, cfg *appConfig, l *slog.Logger, out io.Writer) error {
	data, err := cfg.requestBytes()
	if err != nil {
		return err
	}
	sess, err := connect(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			l.Warn("close_error", "error", err)
		}
	}()

	replies, rerr := sess.Request(diag.Message{Data: data, Src: byte(cfg.Source), Dest: byte(cfg.Target)})
	printReplies(out, sess, replies)
	if rerr != nil {
		var nr *diag.NegativeResponseError
		if len(replies) == 0 && errors.As(rerr, &nr) {
			printReplies(out, sess, diag.Batch{nr.Response})
		}
		return fmt.Errorf("request % X: %w", data, rerr)
	}
	for cfg.RequestTimeout > 0 && ctx.Err() == nil {
		more, err := sess.Recv(cfg.RequestTimeout)
		if err != nil || len(more) == 0 {
			break
		}
		printReplies(out, sess, more)
	}
	return nil
}

func printReplies(out io.Writer, sess *session, b diag.Batch) {
	for _, m := range b {
		fmt.Fprintf(out, "%02X->%02X % X\n  %s\n", m.Src, m.Dest, m.Data, sess.Describe(m))
	}
}

// runServe connects, then serves monitor clients until ctx ends. In monitor
// mode the bus is only listened to.
func runServe(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	h := initHub(cfg, l)
	sess, err := connect(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			l.Warn("close_error", "error", err)
		}
		l.Info("session_closed")
	}()

	g, gctx := errgroup.WithContext(ctx)
	send := server.SendFunc(rejectRequests)
	if cfg.Mode == modeMonitor {
		g.Go(func() error { return runMonitor(gctx, sess.Recv, h, l) })
	} else {
		w := newWorker(gctx, sess, h, l)
		defer w.Close()
		send = w.Submit
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithSend(send),
		server.WithDescriber(func(f wire.Frame) string { return sess.Describe(f.Message()) }),
		server.WithLogger(l),
		server.WithMaxClients(cfg.MaxClients),
		server.WithHandshakeTimeout(cfg.HandshakeTO),
		server.WithReadDeadline(cfg.ClientReadTO),
	)
	srv.SetListenAddr(cfg.Listen)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return runMetricsLogger(gctx, cfg.LogMetricsEvery, l) })
	if cfg.MDNSEnable {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return nil
			}
			port, err := mdnsPort(srv.Addr())
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return nil
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
			if err := runMDNS(gctx, cfg, port); err != nil {
				l.Warn("mdns_start_failed", "error", err)
			}
			return nil
		})
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return gctx.Err() == nil
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.MetricsAddr, metrics.Mount{Path: cfg.WSPath, Handler: srv.WebSocketHandler()})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	l.Info("shutdown", "reason", context.Cause(ctx))
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
