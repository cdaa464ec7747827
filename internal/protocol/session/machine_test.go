package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/ndp/internal/auth"
	"github.com/danmuck/ndp/internal/protocol/channel"
	"github.com/danmuck/ndp/internal/protocol/message"
	"github.com/danmuck/ndp/internal/testutil/testlog"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport records sends and replays scripted receives.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []message.Message
	maxPacket uint32

	sentCh    chan message.Message
	inbox     chan inbound
	closed    chan struct{}
	closeOnce sync.Once
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh: make(chan message.Message, 256),
		inbox:  make(chan inbound, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, m message.Message) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	err := f.sendErr
	if err == nil {
		f.sent = append(f.sent, m)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case f.sentCh <- m:
	default:
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (message.Message, error) {
	select {
	case in := <-f.inbox:
		return in.msg, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeTransport) SetMaxPacketSize(n uint32) {
	f.mu.Lock()
	f.maxPacket = n
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(m message.Message) { f.inbox <- inbound{msg: m} }

func (f *fakeTransport) pushErr(m message.Message, err error) { f.inbox <- inbound{msg: m, err: err} }

func (f *fakeTransport) count(t message.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type() == t {
			n++
		}
	}
	return n
}

func (f *fakeTransport) waitSent(t *testing.T, typ message.Type) message.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.sentCh:
			if m.Type() == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to be sent", typ)
			return nil
		}
	}
}

func testConfig() Config {
	return Config{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		ByeTimeout:       200 * time.Millisecond,
		PingInterval:     20 * time.Millisecond,
		LivenessTimeout:  500 * time.Millisecond,
		MaxPacketSize:    64 * 1024,
	}
}

func newTestMachine(t *testing.T, tr Transport, opts Options) *Machine {
	t.Helper()
	logger := testlog.Logger(t)
	opts.Logger = &logger
	if opts.Config == (Config{}) {
		opts.Config = testConfig()
	}
	m := NewMachine(tr, opts)
	go m.Run(context.Background())
	t.Cleanup(func() {
		m.Close("test cleanup")
		<-m.Done()
	})
	return m
}

func nextEvent(t *testing.T, m *Machine) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		if !ok {
			t.Fatalf("events closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for session event")
		return nil
	}
}

func expectEstablished(t *testing.T, m *Machine) Established {
	t.Helper()
	ev := nextEvent(t, m)
	est, ok := ev.(Established)
	if !ok {
		t.Fatalf("expected Established, got %#v", ev)
	}
	return est
}

func expectEnded(t *testing.T, m *Machine) Ended {
	t.Helper()
	ev := nextEvent(t, m)
	end, ok := ev.(Ended)
	if !ok {
		t.Fatalf("expected Ended, got %#v", ev)
	}
	select {
	case _, ok := <-m.Events():
		if ok {
			t.Fatalf("events should be closed after Ended")
		}
	case <-time.After(time.Second):
		t.Fatalf("events not closed after Ended")
	}
	return end
}

func pipePair(t *testing.T) (Transport, Transport) {
	t.Helper()
	a, b := net.Pipe()
	cfg := channel.Config{WriteTimeout: time.Second}
	left, right := channel.New(a, cfg), channel.New(b, cfg)
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}

func TestHandshakePicksFirstMutualCodecInInitiatorOrder(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)

	responder := newTestMachine(t, right, Options{
		Role: RoleResponder,
		Caps: Capabilities{Codecs: []string{"vp8", "h265"}, MediaPort: 6000},
	})
	initiator := newTestMachine(t, left, Options{
		Role: RoleInitiator,
		Caps: Capabilities{Codecs: []string{"h264", "h265"}},
	})

	a := expectEstablished(t, initiator)
	b := expectEstablished(t, responder)
	if a.Codec != "h265" || b.Codec != "h265" {
		t.Fatalf("expected h265 on both sides, got initiator=%q responder=%q", a.Codec, b.Codec)
	}
	if a.SessionID == "" || a.SessionID != b.SessionID {
		t.Fatalf("session ids differ initiator=%q responder=%q", a.SessionID, b.SessionID)
	}
	if a.MediaPort != 6000 || b.MediaPort != 6000 {
		t.Fatalf("unexpected media ports initiator=%d responder=%d", a.MediaPort, b.MediaPort)
	}
	if b.Peer.Version != message.ProtocolVersion || len(b.Peer.SupportedCodecs) != 2 {
		t.Fatalf("unexpected peer snapshot %+v", b.Peer)
	}
	if initiator.State() != StateActive || responder.State() != StateActive {
		t.Fatalf("expected both active, got %s/%s", initiator.State(), responder.State())
	}

	initiator.Close("done")
	endA := expectEnded(t, initiator)
	endB := expectEnded(t, responder)
	if endA.Reason != ReasonLocalShutdown || !endA.WasActive || endA.SessionID != a.SessionID {
		t.Fatalf("unexpected initiator end %+v", endA)
	}
	if endB.Reason != ReasonPeerBye || endB.Detail != "done" {
		t.Fatalf("unexpected responder end %+v", endB)
	}
	if !errors.Is(endB.Err, ErrPeerBye) {
		t.Fatalf("expected ErrPeerBye, got %v", endB.Err)
	}
	if initiator.State() != StateClosed || responder.State() != StateClosed {
		t.Fatalf("expected both closed")
	}
}

func TestHandshakeWithoutCommonCodecNeverEstablishes(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)

	responder := newTestMachine(t, right, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"vp9"}}})
	initiator := newTestMachine(t, left, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264"}}})

	endA := expectEnded(t, initiator)
	endB := expectEnded(t, responder)
	if endB.Reason != ReasonNegotiationFailure || endB.Detail != "no common codec" {
		t.Fatalf("unexpected responder end %+v", endB)
	}
	if !errors.Is(endB.Err, ErrNoCommonCodec) {
		t.Fatalf("expected ErrNoCommonCodec in %v", endB.Err)
	}
	if endA.Reason != ReasonPeerBye || endA.Detail != "no common codec" {
		t.Fatalf("unexpected initiator end %+v", endA)
	}
	if endA.WasActive || endA.SessionID != "" || endB.SessionID != "" {
		t.Fatalf("session id must not be exposed: %+v %+v", endA, endB)
	}
}

func TestResponderRejectsBadToken(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)

	responder := newTestMachine(t, right, Options{
		Role:      RoleResponder,
		Caps:      Capabilities{Codecs: []string{"h264"}},
		Validator: auth.NewTokens("secret"),
	})
	initiator := newTestMachine(t, left, Options{
		Role: RoleInitiator,
		Caps: Capabilities{Codecs: []string{"h264"}, Token: "guess"},
	})

	endB := expectEnded(t, responder)
	if endB.Reason != ReasonNegotiationFailure || !errors.Is(endB.Err, auth.ErrUnauthorized) {
		t.Fatalf("unexpected responder end %+v", endB)
	}
	if endA := expectEnded(t, initiator); endA.Detail != "unauthorized" {
		t.Fatalf("unexpected initiator end %+v", endA)
	}
}

func TestResponderAcceptsMatchingToken(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)

	responder := newTestMachine(t, right, Options{
		Role:      RoleResponder,
		Caps:      Capabilities{Codecs: []string{"h264"}},
		Validator: auth.NewTokens("secret"),
	})
	initiator := newTestMachine(t, left, Options{
		Role: RoleInitiator,
		Caps: Capabilities{Codecs: []string{"h264"}, Token: "secret"},
	})
	expectEstablished(t, initiator)
	if est := expectEstablished(t, responder); !est.Peer.HasToken {
		t.Fatalf("peer snapshot should record the token")
	}
}

func TestResponderRejectsIncompatibleVersion(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := newTestMachine(t, ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}})

	ft.push(message.Hello{Version: "2.0", SupportedCodecs: []string{"h264"}})
	bye := ft.waitSent(t, message.TypeBye).(message.Bye)
	if bye.Reason != "unsupported protocol version 2.0" {
		t.Fatalf("unexpected bye %q", bye.Reason)
	}
	end := expectEnded(t, m)
	if end.Reason != ReasonNegotiationFailure || !errors.Is(end.Err, ErrVersionUnsupported) {
		t.Fatalf("unexpected end %+v", end)
	}
}

func TestResponderAtCapacitySaysBusy(t *testing.T) {
	testlog.Start(t)
	ids := NewIDRegistry(1)
	if _, err := ids.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	ft := newFakeTransport()
	m := newTestMachine(t, ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}, IDs: ids})

	ft.push(message.Hello{Version: message.ProtocolVersion, SupportedCodecs: []string{"h264"}})
	if bye := ft.waitSent(t, message.TypeBye).(message.Bye); bye.Reason != "sink busy" {
		t.Fatalf("unexpected bye %q", bye.Reason)
	}
	if end := expectEnded(t, m); end.Reason != ReasonNegotiationFailure {
		t.Fatalf("unexpected end %+v", end)
	}
	if ids.Live() != 1 {
		t.Fatalf("rejected session must not hold an id, live=%d", ids.Live())
	}
}

func TestResponderReleasesSessionID(t *testing.T) {
	testlog.Start(t)
	ids := NewIDRegistry(0)
	ft := newFakeTransport()
	m := newTestMachine(t, ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}, IDs: ids})

	ft.push(message.Hello{Version: message.ProtocolVersion, SupportedCodecs: []string{"h264"}, MaxPacketSize: 1400})
	welcome := ft.waitSent(t, message.TypeWelcome).(message.Welcome)
	if welcome.Port != message.DefaultMediaPort || welcome.Codec != "h264" {
		t.Fatalf("unexpected welcome %+v", welcome)
	}
	expectEstablished(t, m)
	if ids.Live() != 1 {
		t.Fatalf("expected one live id, got %d", ids.Live())
	}
	ft.mu.Lock()
	negotiated := ft.maxPacket
	ft.mu.Unlock()
	if negotiated != 1400 {
		t.Fatalf("expected negotiated packet size 1400, got %d", negotiated)
	}

	ft.push(message.Bye{Reason: "bye"})
	expectEnded(t, m)
	if ids.Live() != 0 {
		t.Fatalf("id not released, live=%d", ids.Live())
	}
}

func TestHandshakeTimeoutSendsBye(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	m := newTestMachine(t, ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}, Config: cfg})

	start := time.Now()
	end := expectEnded(t, m)
	if end.Reason != ReasonHandshakeTimeout || end.WasActive {
		t.Fatalf("unexpected end %+v", end)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("handshake timeout fired late: %v", elapsed)
	}
	if ft.count(message.TypeBye) != 1 {
		t.Fatalf("expected one bye")
	}
}

func TestInitiatorRejectsWelcomeWithUnofferedCodec(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := newTestMachine(t, ft, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264"}}})

	ft.waitSent(t, message.TypeHello)
	ft.push(message.Welcome{SessionID: "s-1", Codec: "vp9", Port: 5510})
	end := expectEnded(t, m)
	if end.Reason != ReasonProtocolViolation || end.WasActive {
		t.Fatalf("unexpected end %+v", end)
	}
}

func TestInitiatorHelloCarriesCapabilities(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	newTestMachine(t, ft, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264", "vp8"}, Token: "tok"}})

	hello := ft.waitSent(t, message.TypeHello).(message.Hello)
	if hello.Version != message.ProtocolVersion || hello.MaxPacketSize != 64*1024 || hello.TokenValue() != "tok" {
		t.Fatalf("unexpected hello %+v", hello)
	}
	if len(hello.SupportedCodecs) != 2 || hello.SupportedCodecs[0] != "h264" {
		t.Fatalf("unexpected codecs %v", hello.SupportedCodecs)
	}
}

func establishInitiator(t *testing.T, ft *fakeTransport, cfg Config) *Machine {
	t.Helper()
	m := newTestMachine(t, ft, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264"}}, Config: cfg})
	ft.waitSent(t, message.TypeHello)
	ft.push(message.Welcome{SessionID: "s-1", Codec: "h264", Port: 5510})
	est := expectEstablished(t, m)
	if est.SessionID != "s-1" || est.MediaPort != 5510 {
		t.Fatalf("unexpected established %+v", est)
	}
	return m
}

func TestIdempotentCloseSendsOneBye(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	cfg := testConfig()
	cfg.PingInterval = time.Hour
	cfg.LivenessTimeout = time.Hour
	m := establishInitiator(t, ft, cfg)

	m.Close("user quit")
	m.Close("again")
	end := expectEnded(t, m)
	if end.Reason != ReasonLocalShutdown || end.Detail != "user quit" {
		t.Fatalf("unexpected end %+v", end)
	}
	m.Close("after close")
	if n := ft.count(message.TypeBye); n != 1 {
		t.Fatalf("expected exactly one bye, got %d", n)
	}
	if again := m.Run(context.Background()); again.Reason != ReasonLocalShutdown {
		t.Fatalf("Run should return the recorded end, got %+v", again)
	}
}

func TestCloseBeforeRunEndsWithoutEstablishing(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	logger := testlog.Logger(t)
	m := NewMachine(ft, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264"}}, Config: testConfig(), Logger: &logger})
	m.Close("")

	end := m.Run(context.Background())
	if end.Reason != ReasonLocalShutdown || end.Detail != ByeShutdown || end.WasActive {
		t.Fatalf("unexpected end %+v", end)
	}
	if ft.count(message.TypeHello) != 0 {
		t.Fatalf("hello should not be sent after close")
	}
	if ev := <-m.Events(); ev.(Ended).Reason != ReasonLocalShutdown {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestCloseBeforeRunWinsOverQueuedHello(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < 20; i++ {
		ft := newFakeTransport()
		ft.push(message.Hello{Version: message.ProtocolVersion, SupportedCodecs: []string{"h264"}, MaxPacketSize: 1400})
		logger := testlog.Logger(t)
		ids := NewIDRegistry(1)
		m := NewMachine(ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}, Config: testConfig(), IDs: ids, Logger: &logger})
		m.Close("going away")

		end := m.Run(context.Background())
		if end.Reason != ReasonLocalShutdown || end.Detail != "going away" || end.WasActive {
			t.Fatalf("iteration %d: unexpected end %+v", i, end)
		}
		if n := ft.count(message.TypeWelcome); n != 0 {
			t.Fatalf("iteration %d: welcome sent after close", i)
		}
		if n := ft.count(message.TypeBye); n != 1 {
			t.Fatalf("iteration %d: expected one bye, got %d", i, n)
		}
		for ev := range m.Events() {
			if _, ok := ev.(Established); ok {
				t.Fatalf("iteration %d: established after close", i)
			}
		}
		if ids.Live() != 0 {
			t.Fatalf("iteration %d: session id leaked", i)
		}
	}
}

func TestContextCancelIsLocalShutdown(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	logger := testlog.Logger(t)
	m := NewMachine(ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}, Config: testConfig(), Logger: &logger})
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	if end := expectEnded(t, m); end.Reason != ReasonLocalShutdown {
		t.Fatalf("unexpected end %+v", end)
	}
}

func TestPingsEchoAndTimestampsIncrease(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	var rtts atomic.Int32
	logger := testlog.Logger(t)
	m := NewMachine(ft, Options{
		Role:   RoleInitiator,
		Caps:   Capabilities{Codecs: []string{"h264"}},
		Config: testConfig(),
		OnRTT:  func(time.Duration) { rtts.Add(1) },
		Logger: &logger,
	})
	go m.Run(context.Background())
	defer func() {
		m.Close("")
		<-m.Done()
	}()
	ft.waitSent(t, message.TypeHello)
	ft.push(message.Welcome{SessionID: "s-1", Codec: "h264", Port: 5510})
	expectEstablished(t, m)

	var last uint64
	for i := 0; i < 3; i++ {
		ping := ft.waitSent(t, message.TypePing).(message.Ping)
		if ping.Timestamp <= last {
			t.Fatalf("ping timestamps must increase: %d after %d", ping.Timestamp, last)
		}
		last = ping.Timestamp
		ft.push(message.Pong{Timestamp: ping.Timestamp})
	}

	ft.push(message.Ping{Timestamp: 77})
	for {
		pong := ft.waitSent(t, message.TypePong).(message.Pong)
		if pong.Timestamp == 77 {
			break
		}
	}
	deadline := time.Now().Add(time.Second)
	for rtts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rtts.Load() < 3 {
		t.Fatalf("expected rtt observations, got %d", rtts.Load())
	}
	if m.Info().RTT == "" {
		t.Fatalf("info should carry last rtt")
	}
}

func TestLivenessTimeoutWithoutPong(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	cfg := testConfig()
	cfg.LivenessTimeout = 100 * time.Millisecond

	byeCh := make(chan string, 1)
	go func() {
		ctx := context.Background()
		for {
			m, err := right.Receive(ctx)
			if err != nil {
				return
			}
			switch msg := m.(type) {
			case message.Hello:
				_ = right.Send(ctx, message.Welcome{SessionID: "s-9", Codec: "h264", Port: 5510})
			case message.Bye:
				byeCh <- msg.Reason
				return
			}
		}
	}()

	m := newTestMachine(t, left, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264"}}, Config: cfg})
	expectEstablished(t, m)
	start := time.Now()
	end := expectEnded(t, m)
	if end.Reason != ReasonLivenessTimeout || !end.WasActive || end.SessionID != "s-9" {
		t.Fatalf("unexpected end %+v", end)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("liveness timeout fired late: %v", elapsed)
	}
	select {
	case reason := <-byeCh:
		if reason != ByeLivenessTimeout {
			t.Fatalf("unexpected bye reason %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("peer never saw bye")
	}
}

func TestPeersStayActiveWhilePongsFlow(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.LivenessTimeout = 80 * time.Millisecond

	responder := newTestMachine(t, right, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}, Config: cfg})
	initiator := newTestMachine(t, left, Options{Role: RoleInitiator, Caps: Capabilities{Codecs: []string{"h264"}}, Config: cfg})
	expectEstablished(t, initiator)
	expectEstablished(t, responder)

	time.Sleep(300 * time.Millisecond)
	if initiator.State() != StateActive || responder.State() != StateActive {
		t.Fatalf("sessions should stay active, got %s/%s", initiator.State(), responder.State())
	}
}

func TestUnknownVariantToleratedWhileActive(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := establishInitiator(t, ft, testConfig())

	ft.pushErr(message.Unrecognized{Kind: "RESIZE"}, fmt.Errorf("%w: %q", message.ErrUnknownVariant, "RESIZE"))
	ft.pushErr(nil, fmt.Errorf("%w: bad json", message.ErrMalformed))
	ft.push(message.Ping{Timestamp: 5})
	for {
		if pong := ft.waitSent(t, message.TypePong).(message.Pong); pong.Timestamp == 5 {
			break
		}
	}
	if m.State() != StateActive {
		t.Fatalf("expected active, got %s", m.State())
	}
}

func TestUnknownVariantDuringHandshakeIsViolation(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := newTestMachine(t, ft, Options{Role: RoleResponder, Caps: Capabilities{Codecs: []string{"h264"}}})

	ft.pushErr(message.Unrecognized{Kind: "RESIZE"}, fmt.Errorf("%w: %q", message.ErrUnknownVariant, "RESIZE"))
	end := expectEnded(t, m)
	if end.Reason != ReasonProtocolViolation || end.Detail != ByeUnexpectedMessage {
		t.Fatalf("unexpected end %+v", end)
	}
}

func TestUnexpectedHelloWhileActiveIsViolation(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := establishInitiator(t, ft, testConfig())

	ft.push(message.Hello{Version: message.ProtocolVersion, SupportedCodecs: []string{"h264"}})
	bye := ft.waitSent(t, message.TypeBye).(message.Bye)
	if bye.Reason != ByeUnexpectedActive {
		t.Fatalf("unexpected bye %q", bye.Reason)
	}
	if end := expectEnded(t, m); end.Reason != ReasonProtocolViolation || !errors.Is(end.Err, ErrProtocolViolation) {
		t.Fatalf("unexpected end %+v", end)
	}
}

func TestTransportErrorSkipsBye(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := establishInitiator(t, ft, testConfig())

	ft.pushErr(nil, errors.New("connection reset by peer"))
	end := expectEnded(t, m)
	if end.Reason != ReasonTransportError || !errors.Is(end.Err, ErrTransport) {
		t.Fatalf("unexpected end %+v", end)
	}
	if n := ft.count(message.TypeBye); n != 0 {
		t.Fatalf("transport error must not send bye, sent %d", n)
	}
}

func TestStalePongIsIgnored(t *testing.T) {
	testlog.Start(t)
	ft := newFakeTransport()
	m := establishInitiator(t, ft, testConfig())

	ft.push(message.Pong{Timestamp: 1 << 60})
	ping := ft.waitSent(t, message.TypePing).(message.Ping)
	ft.push(message.Pong{Timestamp: ping.Timestamp})
	time.Sleep(30 * time.Millisecond)
	if m.State() != StateActive {
		t.Fatalf("expected active, got %s", m.State())
	}
}
