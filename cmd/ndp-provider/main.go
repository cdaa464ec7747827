package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/ndp/internal/config"
	"github.com/danmuck/ndp/internal/logging"
	"github.com/danmuck/ndp/internal/manager"
	"github.com/danmuck/ndp/internal/media"
	"github.com/danmuck/ndp/internal/observability"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/spf13/pflag"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ndp-provider: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, cfg, os.Stderr))
}

func run(ctx context.Context, cfg config.ProviderConfig, stderr io.Writer) int {
	logger := observability.InitLogger("ndp-provider", logging.Resolve(logging.ProfileRuntime, cfg.LogLevel))
	observability.RegisterMetrics()

	mgr := manager.New(manager.Config{
		Node:    cfg.Node,
		Session: cfg.Session,
		Engine:  media.GStreamer{Logger: &logger},
		Media: manager.MediaDefaults{
			Width:       cfg.Media.Width,
			Height:      cfg.Media.Height,
			Framerate:   cfg.Media.FPS,
			BitrateKbps: cfg.Media.BitrateKbps,
			NodeID:      cfg.Media.PipeWireNode,
		},
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		Logger:             &logger,
	})

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	if cfg.StatusAddr != "" {
		router := observability.StatusRouter(cfg.Node, func() any { return mgr.Snapshot() }, cfg.CorsOrigins, logger)
		go func() {
			if err := observability.ServeStatus(statusCtx, cfg.StatusAddr, router, logger); err != nil {
				logger.Error().Err(err).Msg("ndp-provider status server failed")
			}
		}()
	}

	addr := config.PeerAddr(cfg.Peer)
	logger.Info().
		Str("peer", addr).
		Strs("codecs", cfg.Codecs).
		Int("width", cfg.Media.Width).
		Int("height", cfg.Media.Height).
		Int("fps", cfg.Media.FPS).
		Msg("ndp-provider starting")

	h, err := mgr.StartOutbound(ctx, addr, session.Capabilities{
		Codecs: cfg.Codecs,
		Token:  cfg.Token,
	})
	if err != nil {
		fmt.Fprintf(stderr, "ndp-provider: could not connect to %s: %v\n", addr, err)
		return 1
	}

	var end session.Ended
	for ev := range h.Events() {
		switch e := ev.(type) {
		case session.Established:
			logger.Info().Str("session_id", e.SessionID).Str("codec", e.Codec).Uint16("media_port", e.MediaPort).Msg("ndp-provider streaming")
		case session.Ended:
			end = e
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = mgr.Shutdown(shutdownCtx, session.ByeShutdown)

	code, msg := outcome(end, ctx.Err() != nil)
	if code != 0 {
		fmt.Fprintf(stderr, "ndp-provider: %s\n", msg)
	} else {
		logger.Info().Str("reason", end.String()).Msg("ndp-provider stopped")
	}
	return code
}

// outcome maps how the session ended to an exit code. A session that never
// became Active is reported as a connection failure.
func outcome(end session.Ended, interrupted bool) (int, string) {
	if !end.WasActive {
		if interrupted {
			return 0, "interrupted before session was established"
		}
		return 1, fmt.Sprintf("could not connect: %s", end)
	}
	if interrupted && end.Reason == session.ReasonLocalShutdown {
		return 0, end.String()
	}
	if end.Reason == session.ReasonPeerBye {
		return 0, end.String()
	}
	return 1, fmt.Sprintf("session %s failed: %s", end.SessionID, end)
}
