// Package manager owns the set of live control sessions for one process.
//
// Ownership boundary:
// - dialing and accepting control connections
// - one session.Machine per Handle, driven to completion
// - media engine start on Established and stop on Ended
// - session id uniqueness across concurrently live sessions
package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ndp/internal/auth"
	"github.com/danmuck/ndp/internal/media"
	"github.com/danmuck/ndp/internal/observability"
	"github.com/danmuck/ndp/internal/protocol/channel"
	"github.com/danmuck/ndp/internal/protocol/message"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrManagerClosed = errors.New("manager: closed")
	ErrConnect       = errors.New("manager: could not connect")
)

// DialFunc opens a control connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// MediaDefaults carries the stream parameters that are not negotiated.
type MediaDefaults struct {
	Width       int
	Height      int
	Framerate   int
	BitrateKbps int
	NodeID      uint32
}

// Config configures a Manager.
type Config struct {
	// Node labels logs and metrics.
	Node    string
	Session session.Config
	// Validator checks Hello tokens on accepted sessions.
	Validator auth.Validator
	// Engine starts media for established sessions. Nil runs control only.
	Engine media.Engine
	Media  MediaDefaults
	// MaxSessions bounds concurrently live accepted sessions. Zero is
	// unbounded.
	MaxSessions int
	// MaxConnectAttempts bounds outbound dials. Zero means one attempt.
	MaxConnectAttempts int
	Dial               DialFunc
	Logger             *zerolog.Logger
}

// Manager starts, tracks and stops control sessions. It is safe for
// concurrent use; handles on different sessions never block each other.
type Manager struct {
	cfg  Config
	log  zerolog.Logger
	ids  *session.IDRegistry
	rng  *rand.Rand
	rngM sync.Mutex

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextKey uint64
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Manager {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Node != "" {
		logger = logger.With().Str("node", cfg.Node).Logger()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = 1
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	return &Manager{
		cfg:     cfg,
		log:     logger,
		ids:     session.NewIDRegistry(cfg.MaxSessions),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		handles: make(map[uint64]*Handle),
	}
}

// StartOutbound dials addr, retrying with backoff, and runs an initiator
// session over the connection. An error means no session was created.
func (m *Manager) StartOutbound(ctx context.Context, addr string, caps session.Capabilities) (*Handle, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	conn, err := m.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}
	h, err := m.launch(ctx, conn, session.RoleInitiator, caps, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return h, nil
}

func (m *Manager) dial(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			m.rngM.Lock()
			delay := m.cfg.Session.Backoff.Delay(attempt-1, m.rng)
			m.rngM.Unlock()
			m.log.Info().Str("addr", addr).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("manager.StartOutbound retrying")
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
			case <-t.C:
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Session.ConnectTimeout)
		conn, err := m.cfg.Dial(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, lastErr)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Accept waits for one inbound connection and runs a responder session
// over it. Cancelling ctx interrupts the wait when ln supports deadlines.
func (m *Manager) Accept(ctx context.Context, ln net.Listener, caps session.Capabilities) (*Handle, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	if d, ok := ln.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
		defer func() {
			if !stop() {
				_ = d.SetDeadline(time.Time{})
			}
		}()
	}
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	h, err := m.launch(ctx, conn, session.RoleResponder, caps, "")
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return h, nil
}

// Serve accepts until ctx is done or ln fails, handing every new Handle to
// onHandle when set. It returns nil after ctx is cancelled.
func (m *Manager) Serve(ctx context.Context, ln net.Listener, caps session.Capabilities, onHandle func(*Handle)) error {
	m.log.Info().Str("addr", ln.Addr().String()).Msg("manager.Serve accepting control sessions")
	for {
		h, err := m.Accept(ctx, ln, caps)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrManagerClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("manager: accept: %w", err)
		}
		if onHandle != nil {
			onHandle(h)
		}
	}
}

func (m *Manager) launch(ctx context.Context, conn net.Conn, role session.Role, caps session.Capabilities, mediaHost string) (*Handle, error) {
	roleLabel := role.String()
	logger := m.log.With().Str("peer", conn.RemoteAddr().String()).Logger()

	ch := channel.New(conn, channel.Config{
		WriteTimeout: m.cfg.Session.WriteTimeout,
		Observe: func(dir channel.Direction, t message.Type) {
			observability.RecordControlMessage(string(dir), typeLabel(t))
		},
		Logger: &logger,
	})
	opts := session.Options{
		Role:   role,
		Caps:   caps,
		Config: m.cfg.Session,
		IDs:    m.ids,
		OnRTT: func(d time.Duration) {
			observability.RecordPingRTT(roleLabel, d)
		},
		Logger: &logger,
	}
	if role == session.RoleResponder {
		opts.Validator = m.cfg.Validator
	}

	h := &Handle{
		mgr:       m,
		role:      role,
		remote:    conn.RemoteAddr().String(),
		mediaHost: mediaHost,
		started:   time.Now(),
		machine:   session.NewMachine(ch, opts),
		log:       logger,
		events:    make(chan session.Event, 2),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.nextKey++
	h.key = m.nextKey
	m.handles[h.key] = h
	m.wg.Add(1)
	m.mu.Unlock()

	observability.RecordSessionStarted(roleLabel)
	go h.drive(ctx)
	return h, nil
}

func (m *Manager) remove(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h.key)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close requests local shutdown of h. It is idempotent.
func (m *Manager) Close(h *Handle, reason string) {
	if h != nil {
		h.Close(reason)
	}
}

// Snapshot lists live sessions ordered by start time.
func (m *Manager) Snapshot() []HandleInfo {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	out := make([]HandleInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Live is the number of sessions not yet Closed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Shutdown refuses new sessions, closes every live one with reason and
// waits for them to reach Closed or for ctx.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	m.closed = true
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h.Close(reason)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func typeLabel(t message.Type) string {
	switch t {
	case message.TypeHello, message.TypeWelcome, message.TypePing, message.TypePong, message.TypeBye:
		return string(t)
	default:
		return "UNRECOGNIZED"
	}
}
