package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ndp/internal/auth"
	"github.com/danmuck/ndp/internal/protocol/frame"
	"github.com/danmuck/ndp/internal/protocol/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is the framed message channel a Machine owns for its lifetime.
type Transport interface {
	Send(ctx context.Context, m message.Message) error
	Receive(ctx context.Context) (message.Message, error)
	SetMaxPacketSize(n uint32)
	Close() error
}

// Options configures one Machine.
type Options struct {
	Role   Role
	Caps   Capabilities
	Config Config
	// Validator checks Hello tokens on the responder. Nil accepts any token.
	Validator auth.Validator
	// IDs allocates session ids on the responder. Nil uses a private registry.
	IDs IDAllocator
	// OnRTT observes the round trip of every matched Ping.
	OnRTT  func(time.Duration)
	Logger *zerolog.Logger
}

// Info is a point-in-time view of a session for status reporting.
type Info struct {
	Role        Role      `json:"role"`
	State       State     `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Codec       string    `json:"codec,omitempty"`
	Peer        PeerHello `json:"peer"`
	LastSend    time.Time `json:"last_send"`
	LastReceive time.Time `json:"last_receive"`
	RTT         string    `json:"rtt,omitempty"`
}

// inboundQueue lets the reader drain the connection while the run loop
// is blocked in a send.
const inboundQueue = 16

type inbound struct {
	msg message.Message
	err error
}

type pendingPing struct {
	ts     uint64
	sentAt time.Time
}

// Machine drives one control session. Create it with NewMachine, call Run
// exactly once, and read Events until it is closed.
type Machine struct {
	tr   Transport
	opts Options
	cfg  Config
	caps Capabilities
	ids  IDAllocator
	log  zerolog.Logger

	events chan Event
	done   chan struct{}
	ended  Ended
	runOnce sync.Once

	stop        chan struct{}
	stopOnce    sync.Once
	closeReason string

	// Owned by the Run goroutine.
	state      State
	epoch      time.Time
	hello      message.Hello
	sessionID  string
	codec      string
	wasActive  bool
	lastPingTS uint64
	pending    []pendingPing

	infoMu sync.Mutex
	info   Info
}

func NewMachine(tr Transport, opts Options) *Machine {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ids := opts.IDs
	if ids == nil {
		ids = NewIDRegistry(0)
	}
	m := &Machine{
		tr:     tr,
		opts:   opts,
		cfg:    opts.Config.WithDefaults(),
		caps:   opts.Caps.withDefaults(),
		ids:    ids,
		log:    logger.With().Str("role", opts.Role.String()).Logger(),
		events: make(chan Event, 2),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	m.info = Info{Role: opts.Role, State: StateConnecting}
	return m
}

// Events delivers at most one Established followed by exactly one Ended,
// then is closed. The buffer holds both, so Run never blocks on a slow
// reader.
func (m *Machine) Events() <-chan Event { return m.events }

// Done is closed once the machine has reached Closed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Close requests a local shutdown with reason sent in Bye. It does not
// wait; repeated calls are no-ops.
func (m *Machine) Close(reason string) {
	m.stopOnce.Do(func() {
		if strings.TrimSpace(reason) == "" {
			reason = ByeShutdown
		}
		m.closeReason = reason
		close(m.stop)
	})
}

// Info returns the current status snapshot.
func (m *Machine) Info() Info {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	return m.info
}

func (m *Machine) State() State {
	return m.Info().State
}

// Run drives the session until Closed and returns the termination. The
// transport is closed before Run returns. Later calls return the same
// result.
func (m *Machine) Run(ctx context.Context) Ended {
	m.runOnce.Do(func() { m.ended = m.run(ctx) })
	return m.ended
}

func (m *Machine) run(ctx context.Context) Ended {
	defer close(m.done)
	defer close(m.events)

	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()
	go func() {
		select {
		case <-m.stop:
			cancelOp()
		case <-opCtx.Done():
		}
	}()

	readCtx, cancelRead := context.WithCancel(context.Background())
	in := make(chan inbound, inboundQueue)
	readDone := make(chan struct{})
	go m.readLoop(readCtx, in, readDone)

	end := m.loop(opCtx, in)

	cancelRead()
	_ = m.tr.Close()
	<-readDone
	if m.sessionID != "" && m.opts.Role == RoleResponder {
		m.ids.Release(m.sessionID)
	}

	end.WasActive = m.wasActive
	if m.wasActive {
		end.SessionID = m.sessionID
		end.Codec = m.codec
	}
	m.setState(StateClosed)
	m.events <- end

	ev := m.log.Info()
	if !m.wasActive || end.Reason != ReasonLocalShutdown {
		ev = m.log.Warn()
	}
	ev.Str("reason", end.Reason.String()).
		Str("detail", end.Detail).
		Str("session_id", end.SessionID).
		Bool("was_active", end.WasActive).
		Msg("session.Machine closed")
	return end
}

func (m *Machine) readLoop(ctx context.Context, out chan<- inbound, done chan<- struct{}) {
	defer close(done)
	for {
		msg, err := m.tr.Receive(ctx)
		select {
		case out <- inbound{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !message.IsDecodeError(err) {
			return
		}
	}
}

func (m *Machine) loop(ctx context.Context, in <-chan inbound) Ended {
	m.epoch = time.Now()
	if m.stopping(ctx) {
		return m.shutdown()
	}

	handshake := time.NewTimer(m.cfg.HandshakeTimeout)
	defer handshake.Stop()
	handshakeC := handshake.C

	liveness := time.NewTimer(m.cfg.LivenessTimeout)
	liveness.Stop()
	defer liveness.Stop()
	var livenessC <-chan time.Time

	var ticker *time.Ticker
	var pingC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	switch m.opts.Role {
	case RoleInitiator:
		m.hello = message.Hello{
			Version:         m.caps.Version,
			SupportedCodecs: append([]string(nil), m.caps.Codecs...),
			MaxPacketSize:   m.cfg.MaxPacketSize,
		}.WithToken(m.caps.Token)
		m.setPeer(m.hello)
		if err := m.send(ctx, m.hello); err != nil {
			return m.sendFailure(ctx, err)
		}
		m.setState(StateAwaitingWelcome)
	default:
		m.setState(StateAwaitingHello)
	}

	for {
		if m.stopping(ctx) {
			return m.shutdown()
		}
		select {
		case <-ctx.Done():
			return m.shutdown()

		case <-handshakeC:
			return m.closeWithBye(ReasonHandshakeTimeout, ByeHandshakeTimeout, nil)

		case <-pingC:
			if err := m.sendPing(ctx); err != nil {
				return m.sendFailure(ctx, err)
			}
			livenessC = m.armLiveness(liveness)

		case <-livenessC:
			return m.closeWithBye(ReasonLivenessTimeout, ByeLivenessTimeout, nil)

		case ev := <-in:
			if m.stopping(ctx) {
				return m.shutdown()
			}
			if end, done := m.handle(ctx, ev); done {
				return end
			}
			if m.state == StateActive && ticker == nil {
				handshake.Stop()
				handshakeC = nil
				ticker = time.NewTicker(m.cfg.PingInterval)
				pingC = ticker.C
			}
			livenessC = m.armLiveness(liveness)
		}
	}
}

// handle applies one inbound message. done is true when the session must
// terminate with end.
func (m *Machine) handle(ctx context.Context, ev inbound) (end Ended, done bool) {
	m.touch(false)
	if ev.err != nil {
		if !message.IsDecodeError(ev.err) {
			return newEnded(ReasonTransportError, ev.err.Error(), ev.err), true
		}
		m.log.Warn().Err(ev.err).Str("state", m.state.String()).Msg("session.Machine unrecognized message")
		if m.state.preActive() {
			return m.violation(ByeUnexpectedMessage, ev.err), true
		}
		return Ended{}, false
	}

	switch msg := ev.msg.(type) {
	case message.Bye:
		return newEnded(ReasonPeerBye, msg.Reason, nil), true
	case message.Hello:
		if m.state == StateAwaitingHello {
			return m.onHello(ctx, msg)
		}
	case message.Welcome:
		if m.state == StateAwaitingWelcome {
			return m.onWelcome(msg)
		}
	case message.Ping:
		if m.state == StateActive {
			if err := m.send(ctx, message.Pong{Timestamp: msg.Timestamp}); err != nil {
				return m.sendFailure(ctx, err), true
			}
			return Ended{}, false
		}
	case message.Pong:
		if m.state == StateActive {
			m.onPong(msg)
			return Ended{}, false
		}
	case message.Unrecognized:
		// Decode reports these with an error, handled above.
	}

	cause := fmt.Errorf("%s in state %s", ev.msg.Type(), m.state)
	if m.state == StateActive {
		return m.violation(ByeUnexpectedActive, cause), true
	}
	return m.violation(ByeUnexpectedMessage, cause), true
}

func (m *Machine) onHello(ctx context.Context, hello message.Hello) (Ended, bool) {
	m.setPeer(hello)

	if err := CompatibleVersion(m.caps.Version, hello.Version); err != nil {
		return m.reject("unsupported protocol version "+hello.Version, err), true
	}
	if m.opts.Validator != nil {
		if err := m.opts.Validator.Validate(hello.TokenValue()); err != nil {
			return m.reject("unauthorized", err), true
		}
	}
	if hello.MaxPacketSize != 0 && hello.MaxPacketSize < frame.MinPayloadBytes {
		return m.reject("max packet size too small", ErrPacketSizeTooSmall), true
	}
	codec, err := Negotiate(hello.SupportedCodecs, m.caps.Codecs)
	if err != nil {
		return m.reject("no common codec", err), true
	}
	id, err := m.ids.Allocate()
	if err != nil {
		reason := "session id allocation failed"
		if errors.Is(err, ErrAtCapacity) {
			reason = "sink busy"
		}
		return m.reject(reason, err), true
	}
	m.sessionID = id

	m.tr.SetMaxPacketSize(m.packetSize(hello.MaxPacketSize))
	welcome := message.Welcome{SessionID: id, Codec: codec, Port: m.caps.MediaPort}
	if err := m.send(ctx, welcome); err != nil {
		return m.sendFailure(ctx, err), true
	}
	m.codec = codec
	m.enterActive(m.caps.MediaPort)
	return Ended{}, false
}

func (m *Machine) onWelcome(w message.Welcome) (Ended, bool) {
	switch {
	case strings.TrimSpace(w.SessionID) == "":
		return m.violation("welcome without session id", nil), true
	case !offered(m.hello.SupportedCodecs, w.Codec):
		return m.violation("welcome codec was not offered", fmt.Errorf("codec=%q", w.Codec)), true
	case w.Port == 0:
		return m.violation("welcome without media port", nil), true
	}
	m.sessionID = w.SessionID
	m.codec = w.Codec
	m.tr.SetMaxPacketSize(m.cfg.MaxPacketSize)
	m.enterActive(w.Port)
	return Ended{}, false
}

func (m *Machine) enterActive(port uint16) {
	m.wasActive = true
	m.log = m.log.With().Str("session_id", m.sessionID).Logger()
	m.setState(StateActive)
	m.events <- Established{
		SessionID: m.sessionID,
		Codec:     m.codec,
		Role:      m.opts.Role,
		MediaPort: port,
		Peer:      m.Info().Peer,
	}
	m.log.Info().Str("codec", m.codec).Uint16("media_port", port).Msg("session.Machine established")
}

func (m *Machine) sendPing(ctx context.Context) error {
	ts := uint64(time.Since(m.epoch))
	if ts <= m.lastPingTS {
		ts = m.lastPingTS + 1
	}
	m.lastPingTS = ts
	if err := m.send(ctx, message.Ping{Timestamp: ts}); err != nil {
		return err
	}
	m.pending = append(m.pending, pendingPing{ts: ts, sentAt: time.Now()})
	return nil
}

// onPong clears the matching Ping and every older one; a Pong that
// matches nothing is stale and ignored.
func (m *Machine) onPong(p message.Pong) {
	for i, pp := range m.pending {
		if pp.ts != p.Timestamp {
			continue
		}
		rtt := time.Since(pp.sentAt)
		m.pending = m.pending[i+1:]
		m.infoMu.Lock()
		m.info.RTT = rtt.String()
		m.infoMu.Unlock()
		if m.opts.OnRTT != nil {
			m.opts.OnRTT(rtt)
		}
		return
	}
	m.log.Debug().Uint64("timestamp", p.Timestamp).Msg("session.Machine stale pong")
}

// armLiveness points the liveness timer at the oldest unanswered Ping.
func (m *Machine) armLiveness(t *time.Timer) <-chan time.Time {
	if len(m.pending) == 0 {
		t.Stop()
		return nil
	}
	t.Reset(time.Until(m.pending[0].sentAt.Add(m.cfg.LivenessTimeout)))
	return t.C
}

func (m *Machine) packetSize(advertised uint32) uint32 {
	if advertised == 0 || advertised > m.cfg.MaxPacketSize {
		return m.cfg.MaxPacketSize
	}
	return advertised
}

func (m *Machine) send(ctx context.Context, msg message.Message) error {
	if err := m.tr.Send(ctx, msg); err != nil {
		return err
	}
	m.touch(true)
	return nil
}

// sendFailure classifies a failed send: an interrupted send during local
// shutdown is still a local shutdown, anything else is a transport error
// and no Bye is attempted.
func (m *Machine) sendFailure(ctx context.Context, err error) Ended {
	if ctx.Err() != nil {
		return m.shutdown()
	}
	return newEnded(ReasonTransportError, err.Error(), err)
}

// stopping reports whether Close was called or ctx is done. A pending
// shutdown always wins over inbound traffic and timers.
func (m *Machine) stopping(ctx context.Context) bool {
	select {
	case <-m.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (m *Machine) shutdown() Ended {
	reason := ByeShutdown
	select {
	case <-m.stop:
		reason = m.closeReason
	default:
	}
	return m.closeWithBye(ReasonLocalShutdown, reason, nil)
}

func (m *Machine) violation(bye string, cause error) Ended {
	return m.closeWithBye(ReasonProtocolViolation, bye, cause)
}

func (m *Machine) reject(bye string, cause error) Ended {
	return m.closeWithBye(ReasonNegotiationFailure, bye, cause)
}

// closeWithBye moves to Closing and makes one bounded attempt to tell the
// peer why. The caller moves to Closed.
func (m *Machine) closeWithBye(reason Reason, bye string, cause error) Ended {
	m.setState(StateClosing)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ByeTimeout)
	defer cancel()
	if err := m.send(ctx, message.Bye{Reason: bye}); err != nil {
		m.log.Debug().Err(err).Str("reason", bye).Msg("session.Machine bye not delivered")
	}
	return newEnded(reason, bye, cause)
}

func (m *Machine) setState(s State) {
	from := m.state
	m.state = s
	m.infoMu.Lock()
	m.info.State = s
	m.info.SessionID = m.sessionID
	m.info.Codec = m.codec
	m.infoMu.Unlock()
	if from != s {
		m.log.Debug().Str("from", from.String()).Str("to", s.String()).Msg("session.Machine transition")
	}
}

func (m *Machine) setPeer(h message.Hello) {
	m.infoMu.Lock()
	m.info.Peer = PeerHello{
		Version:         h.Version,
		SupportedCodecs: append([]string(nil), h.SupportedCodecs...),
		MaxPacketSize:   h.MaxPacketSize,
		HasToken:        h.Token != nil,
	}
	m.infoMu.Unlock()
}

func (m *Machine) touch(sent bool) {
	now := time.Now()
	m.infoMu.Lock()
	if sent {
		m.info.LastSend = now
	} else {
		m.info.LastReceive = now
	}
	m.infoMu.Unlock()
}
