package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/ndp/internal/config"
	"github.com/danmuck/ndp/internal/manager"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/danmuck/ndp/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func TestLoadConfigFlags(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfig([]string{"--listen", "127.0.0.1:0", "--media-port", "7000", "--token", "s3cret", "--max-sessions", "3"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:0" || cfg.MediaPort != 7000 || cfg.MaxSessions != 3 {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0] != "s3cret" {
		t.Fatalf("tokens: got=%v", cfg.Tokens)
	}

	if _, err := loadConfig([]string{"--media-port", "0"}); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for media port 0, got=%v", err)
	}
}

func testSinkConfig() config.SinkConfig {
	cfg := config.DefaultSinkConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.MediaPort = 6010
	cfg.Codecs = []string{"vp8", "h264"}
	cfg.Tokens = []string{"s3cret"}
	cfg.Session.HandshakeTimeout = time.Second
	cfg.Session.PingInterval = 50 * time.Millisecond
	cfg.Session.LivenessTimeout = 500 * time.Millisecond
	return cfg
}

func startSink(t *testing.T, cfg config.SinkConfig) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logger := zerolog.Nop()
	mgr := newManager(cfg, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, cfg, mgr, ln, logger) }()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, errCh
}

func dialSink(t *testing.T, addr, token string) *manager.Handle {
	t.Helper()
	logger := zerolog.Nop()
	cfg := testSinkConfig()
	provider := manager.New(manager.Config{Node: "test-provider", Session: cfg.Session, Logger: &logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx, session.ByeShutdown)
	})
	h, err := provider.StartOutbound(context.Background(), addr, session.Capabilities{
		Codecs: []string{"h264"},
		Token:  token,
	})
	if err != nil {
		t.Fatalf("StartOutbound: %v", err)
	}
	return h
}

func TestServeAcceptsAndShutsDown(t *testing.T) {
	testlog.Start(t)
	addr, cancel, errCh := startSink(t, testSinkConfig())
	h := dialSink(t, addr, "s3cret")

	select {
	case ev := <-h.Events():
		est, ok := ev.(session.Established)
		if !ok {
			t.Fatalf("expected Established, got=%#v", ev)
		}
		if est.Codec != "h264" || est.MediaPort != 6010 {
			t.Fatalf("negotiated: got codec=%s port=%d", est.Codec, est.MediaPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Established")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	end, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if end.Reason != session.ReasonPeerBye || end.Detail != session.ByeShutdown {
		t.Fatalf("provider end: got=%v", end)
	}
}

func TestServeRejectsBadToken(t *testing.T) {
	testlog.Start(t)
	addr, _, _ := startSink(t, testSinkConfig())
	h := dialSink(t, addr, "wrong")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	end, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if end.WasActive || end.Reason != session.ReasonPeerBye || end.Detail != "unauthorized" {
		t.Fatalf("expected unauthorized bye, got=%v", end)
	}
}
