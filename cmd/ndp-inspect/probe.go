package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/ndp/internal/protocol/channel"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

func probeConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.PingInterval = 500 * time.Millisecond
	cfg.LivenessTimeout = 3 * time.Second
	return cfg
}

// probe runs one control session against addr without starting media:
// handshake, opts.pings round trips, then Bye.
func probe(ctx context.Context, w io.Writer, addr string, opts options) error {
	cfg := probeConfig()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	fmt.Fprintf(w, "Probing %s...\n", addr)

	logger := log.Logger.With().Str("peer", addr).Logger()
	rtts := make(chan time.Duration, opts.pings)
	m := session.NewMachine(channel.New(conn, channel.Config{
		WriteTimeout: cfg.WriteTimeout,
		Logger:       &logger,
	}), session.Options{
		Role:   session.RoleInitiator,
		Caps:   session.Capabilities{Codecs: opts.codecs, Token: opts.token},
		Config: cfg,
		OnRTT: func(d time.Duration) {
			select {
			case rtts <- d:
			default:
			}
		},
		Logger: &logger,
	})
	go m.Run(ctx)

	got := 0
	events := m.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch e := ev.(type) {
			case session.Established:
				fmt.Fprintf(w, "  session %s established: codec=%s media_port=%d\n", e.SessionID, e.Codec, e.MediaPort)
			case session.Ended:
				fmt.Fprintf(w, "  session ended: %s\n", e)
				if !e.WasActive {
					return fmt.Errorf("could not connect: %s", e)
				}
				if got < opts.pings {
					return fmt.Errorf("session ended after %d of %d pings: %s", got, opts.pings, e)
				}
			}
		case rtt := <-rtts:
			if got >= opts.pings {
				continue
			}
			got++
			fmt.Fprintf(w, "  ping %d: rtt=%s\n", got, rtt)
			if got == opts.pings {
				m.Close(session.ByeShutdown)
			}
		}
	}
	return nil
}
