// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"github.com/xtaci/smux"

	"github.com/nishisan-dev/tlspump/internal/config"
	"github.com/nishisan-dev/tlspump/internal/logging"
	"github.com/nishisan-dev/tlspump/internal/pki"
	"github.com/nishisan-dev/tlspump/internal/ratelimit"
	"github.com/nishisan-dev/tlspump/internal/sink"
	"github.com/nishisan-dev/tlspump/internal/stats"
	"github.com/nishisan-dev/tlspump/internal/tlsengine"
	"github.com/nishisan-dev/tlspump/internal/transport"
	"github.com/nishisan-dev/tlspump/pump"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

var sessionCounter atomic.Int64

func nextSessionID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), sessionCounter.Add(1))
}

func main() {
	app := cli.NewApp()
	app.Name = "tlspump-proxy"
	app.Usage = "bidirectional TLS record pump demo proxy"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "path to proxy config file",
			Value: "/etc/tlspump/proxy.yaml",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, "service", "tlspump-proxy", "version", VERSION)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	monitor := stats.NewSystemMonitor(logger)
	monitor.Start(15 * time.Second)
	defer monitor.Stop()

	switch cfg.Mode {
	case "listen":
		return runListen(ctx, cfg, logger, monitor)
	case "dial":
		return runDial(ctx, cfg, logger, monitor)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func runListen(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger, monitor *stats.SystemMonitor) error {
	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey, cfg.TLS.ALPNProtocols)
	if err != nil {
		return fmt.Errorf("building server tls config: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	logger.Info("listening", "addr", cfg.Listen)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			logger.Error("accept failed", "error", err)
			continue
		}
		go runServerSession(ctx, conn, tlsCfg, cfg, logger, monitor)
	}
}

func runDial(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger, monitor *stats.SystemMonitor) error {
	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey, cfg.TLS.ALPNProtocols)
	if err != nil {
		return fmt.Errorf("building client tls config: %w", err)
	}

	conn, err := net.Dial("tcp", cfg.Dial)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", cfg.Dial, err)
	}
	runClientSession(ctx, conn, tlsCfg, cfg, logger, monitor)
	return nil
}

func runServerSession(ctx context.Context, conn net.Conn, tlsCfg *tls.Config, cfg *config.ProxyConfig, logger *slog.Logger, monitor *stats.SystemMonitor) {
	defer conn.Close()

	session, err := transport.NewServerSession(conn, transportConfigFrom(cfg))
	if err != nil {
		logger.Error("establishing smux session", "error", err)
		return
	}
	defer session.Close()

	stream, err := session.AcceptStream()
	if err != nil {
		logger.Error("accepting pump stream", "error", err)
		return
	}

	runPumpWithSessionLog(ctx, stream, tlsengine.NewServer(tlsCfg), cfg, logger, monitor, "server")
}

func runClientSession(ctx context.Context, conn net.Conn, tlsCfg *tls.Config, cfg *config.ProxyConfig, logger *slog.Logger, monitor *stats.SystemMonitor) {
	defer conn.Close()

	session, err := transport.NewClientSession(conn, transportConfigFrom(cfg))
	if err != nil {
		logger.Error("establishing smux session", "error", err)
		return
	}
	defer session.Close()

	stream, err := session.OpenStream()
	if err != nil {
		logger.Error("opening pump stream", "error", err)
		return
	}

	runPumpWithSessionLog(ctx, stream, tlsengine.NewClient(tlsCfg), cfg, logger, monitor, "client")
}

// runPumpWithSessionLog gives this pump session its own DEBUG-level log file
// (when cfg.Logging.SessionLogDir is set) layered on top of the ambient
// logger, and deletes that file again if the session ended cleanly so only
// failed sessions leave a per-session trace behind.
func runPumpWithSessionLog(ctx context.Context, stream *smux.Stream, engine pump.Engine, cfg *config.ProxyConfig, logger *slog.Logger, monitor *stats.SystemMonitor, role string) {
	sessionID := nextSessionID()
	sessLogger, closer, _, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, role, sessionID)
	if err != nil {
		logger.Error("creating session log, continuing without it", "error", err)
		sessLogger, closer = logger, io.NopCloser(nil)
	}
	sessLogger = sessLogger.With("role", role, "session_id", sessionID)
	defer closer.Close()

	if err := runPump(ctx, stream, engine, cfg, sessLogger, monitor); err != nil {
		sessLogger.Error("pump session ended with error", "error", err)
		return
	}
	logging.RemoveSessionLog(cfg.Logging.SessionLogDir, role, sessionID)
}

// runPump wires one smux stream and one TLS engine into a pump.Pump and
// blocks until the session finishes.
func runPump(ctx context.Context, stream *smux.Stream, engine pump.Engine, cfg *config.ProxyConfig, logger *slog.Logger, monitor *stats.SystemMonitor) error {
	defer stream.Close()

	plainDown := buildPlaintextSink(ctx, cfg, logger)
	cipherDown := transport.NewStreamDownstream(stream, func(err error) {
		logger.Error("ciphertext write failed", "error", err)
	})

	p := pump.New(pump.Config{
		Engine:         engine,
		PlaintextDown:  plainDown,
		CiphertextDown: cipherDown,
		Logger:         logger,
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		if err := transport.PumpFromStream(stream, p.UpstreamReader(), stop); err != nil {
			logger.Error("ciphertext read loop failed", "error", err)
		}
	}()

	if cfg.Stats.Enabled {
		reporter, err := stats.NewReporter(cfg.Stats.Schedule, monitor, p.Stats, logger)
		if err != nil {
			logger.Error("starting stats reporter", "error", err)
		} else {
			reporter.Start()
			defer reporter.Stop(ctx)
		}
	}

	return p.Wait(ctx)
}

func buildPlaintextSink(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger) pump.Downstream {
	var base pump.Downstream
	if cfg.Sink.Kind == "s3" {
		s3sink, err := sink.NewS3Sink(ctx, cfg.Sink.S3Bucket, cfg.Sink.S3Prefix, cfg.Sink.S3Region, logger)
		if err != nil {
			logger.Error("building s3 sink, falling back to stdout", "error", err)
			base = sink.NewWriterSink(os.Stdout, logger)
		} else {
			base = s3sink
		}
	} else {
		base = sink.NewWriterSink(os.Stdout, logger)
	}
	return ratelimit.NewThrottledDownstream(ctx, base, cfg.RateLimit.BytesPerSecondRaw)
}

func transportConfigFrom(cfg *config.ProxyConfig) transport.Config {
	return transport.Config{
		KeepAliveInterval: cfg.Transport.KeepAliveInterval,
		MaxFrameSize:      cfg.Transport.MaxFrameSize,
	}
}
