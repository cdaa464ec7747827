package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/ndp/internal/auth"
	"github.com/danmuck/ndp/internal/config"
	"github.com/danmuck/ndp/internal/logging"
	"github.com/danmuck/ndp/internal/manager"
	"github.com/danmuck/ndp/internal/media"
	"github.com/danmuck/ndp/internal/observability"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ndp-sink: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.InitLogger("ndp-sink", logging.Resolve(logging.ProfileRuntime, cfg.LogLevel))
	observability.RegisterMetrics()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ndp-sink: %v\n", err)
		os.Exit(1)
	}
	mgr := newManager(cfg, media.GStreamer{Logger: &logger}, logger)
	if err := serve(ctx, cfg, mgr, ln, logger); err != nil {
		fmt.Fprintf(os.Stderr, "ndp-sink: %v\n", err)
		os.Exit(1)
	}
}

func newManager(cfg config.SinkConfig, engine media.Engine, logger zerolog.Logger) *manager.Manager {
	return manager.New(manager.Config{
		Node:        cfg.Node,
		Session:     cfg.Session,
		Validator:   auth.FromConfig(cfg.Tokens),
		Engine:      engine,
		MaxSessions: cfg.MaxSessions,
		Logger:      &logger,
	})
}

// serve runs the control listener and the status server until ctx is done
// or either fails, then closes every live session.
func serve(ctx context.Context, cfg config.SinkConfig, mgr *manager.Manager, ln net.Listener, logger zerolog.Logger) error {
	defer ln.Close()
	caps := session.Capabilities{
		Codecs:    cfg.Codecs,
		MediaPort: cfg.MediaPort,
	}
	logger.Info().
		Str("listen", ln.Addr().String()).
		Uint16("media_port", cfg.MediaPort).
		Strs("codecs", cfg.Codecs).
		Int("max_sessions", cfg.MaxSessions).
		Bool("token_required", len(cfg.Tokens) > 0).
		Msg("ndp-sink starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Serve(gctx, ln, caps, func(h *manager.Handle) {
			go logSession(h, logger)
		})
	})
	g.Go(func() error {
		router := observability.StatusRouter(cfg.Node, func() any { return mgr.Snapshot() }, cfg.CorsOrigins, logger)
		return observability.ServeStatus(gctx, cfg.StatusAddr, router, logger)
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := mgr.Shutdown(shutdownCtx, session.ByeShutdown); serr != nil {
		logger.Warn().Err(serr).Msg("ndp-sink sessions did not close in time")
	}
	logger.Info().Msg("ndp-sink stopped")
	return err
}

func logSession(h *manager.Handle, logger zerolog.Logger) {
	l := logger.With().Str("peer", h.Remote()).Logger()
	for ev := range h.Events() {
		switch e := ev.(type) {
		case session.Established:
			l.Info().Str("session_id", e.SessionID).Str("codec", e.Codec).Msg("ndp-sink session established")
		case session.Ended:
			l.Info().Str("session_id", e.SessionID).Str("reason", e.String()).Bool("was_active", e.WasActive).Msg("ndp-sink session ended")
		}
	}
}
