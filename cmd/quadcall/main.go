package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/quadcall/quadcall/internal/config"
	"github.com/quadcall/quadcall/internal/diag"
	"github.com/quadcall/quadcall/internal/mesh"
	"github.com/quadcall/quadcall/internal/metrics"
	qsignal "github.com/quadcall/quadcall/internal/signal"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	rosterURL := cfg.RosterURL
	if rosterURL == "" {
		rosterURL, err = deriveRosterURL(cfg.SignalingURL)
		if err != nil {
			logger.Error("cannot derive roster url", "err", err)
			os.Exit(2)
		}
	}

	logger.Info("starting quadcall",
		"peer_id", cfg.PeerID,
		"room_id", cfg.RoomID,
		"signaling_url", cfg.SignalingURL,
		"roster_url", rosterURL,
		"mode", cfg.Mode,
		"max_peers", cfg.MaxPeers,
		"diag_listen_addr", cfg.DiagListenAddr,
		"track_sample_interval", cfg.TrackSampleInterval,
		"roster_poll_interval", cfg.RosterPollInterval,
		"ice_servers", len(cfg.ICEServers),
	)

	m := metrics.New()

	ws, err := qsignal.NewWSClient(qsignal.WSClientOptions{
		URL:               cfg.SignalingURL,
		RoomID:            cfg.RoomID,
		PeerID:            cfg.PeerID,
		AuthToken:         cfg.AuthToken,
		MaxMessageBytes:   cfg.MaxSignalMessageBytes,
		MessagesPerSecond: cfg.MaxSignalMessagesPerSecond,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		logger.Error("failed to configure signaling client", "err", err)
		os.Exit(2)
	}

	coord, err := mesh.NewCoordinator(mesh.CoordinatorOptions{
		LocalID:             cfg.PeerID,
		RoomID:              cfg.RoomID,
		MaxPeers:            cfg.MaxPeers,
		ICEServers:          cfg.ICEServers,
		TrackSampleInterval: cfg.TrackSampleInterval,
		Sender:              ws,
		Logger:              logger,
		Metrics:             m,
		OnError: func(peerID string, err error) {
			logger.Error("mesh error", "peer", peerID, "err", err)
		},
	})
	if err != nil {
		logger.Error("failed to configure mesh coordinator", "err", err)
		os.Exit(2)
	}

	roster, err := qsignal.NewRosterClient(rosterURL, cfg.RoomID, cfg.AuthToken, logger)
	if err != nil {
		logger.Error("failed to configure roster client", "err", err)
		os.Exit(2)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	diagSrv := diag.New(diag.Options{
		ListenAddr: cfg.DiagListenAddr,
		PeerID:     cfg.PeerID,
		RoomID:     cfg.RoomID,
		Logger:     logger,
		Metrics:    m,
		Mesh:       coord,
		Build:      diag.BuildInfo{Commit: commit, BuildTime: builtAt},
	})

	ln, err := net.Listen("tcp", cfg.DiagListenAddr)
	if err != nil {
		logger.Error("failed to listen for diagnostics", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	diagErrCh := make(chan error, 1)
	go func() {
		diagErrCh <- diagSrv.Serve(ln)
	}()
	wsErrCh := make(chan error, 1)
	go func() {
		wsErrCh <- ws.Run(ctx)
	}()
	go func() {
		if err := coord.Run(ctx, ws.Envelopes()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("coordinator exited", "err", err)
		}
	}()
	go func() {
		err := roster.Poll(ctx, cfg.RosterPollInterval, func(peers []string) {
			coord.ReconcileRoster(ctx, peers)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("roster poller exited", "err", err)
		}
	}()

	select {
	case err := <-diagErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server exited", "err", err)
			shutdown(logger, cfg, coord, ws, diagSrv, nil)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdown(logger, cfg, coord, ws, diagSrv, diagErrCh)
}

func shutdown(logger *slog.Logger, cfg config.Config, coord *mesh.Coordinator, ws *qsignal.WSClient, diagSrv *diag.Server, diagErrCh chan error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := diagSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("diagnostics shutdown failed", "err", err)
	}
	if err := coord.Close(); err != nil {
		logger.Error("coordinator close failed", "err", err)
	}
	if err := ws.Close(); err != nil {
		logger.Error("signaling client close failed", "err", err)
	}

	if diagErrCh != nil {
		if err := <-diagErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server exited after shutdown", "err", err)
		}
	}
}

// deriveRosterURL maps the relay WebSocket URL onto the membership
// service's HTTP endpoint when no explicit roster URL is configured.
func deriveRosterURL(signalingURL string) (string, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}
	u.Path = "/roster"
	u.RawQuery = ""
	return u.String(), nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
