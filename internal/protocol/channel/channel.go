// Package channel owns the framed control connection between provider and sink.
//
// Ownership boundary:
// - exclusive ownership of one net.Conn for a session's lifetime
// - frame-level send/receive with negotiated size limits
// - context-driven cancellation of blocked reads and writes
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ndp/internal/protocol/frame"
	"github.com/danmuck/ndp/internal/protocol/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed = errors.New("channel: closed")
	ErrBroken = errors.New("channel: broken by interrupted write")
)

// Direction labels message observations.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Config tunes one channel.
type Config struct {
	// WriteTimeout bounds each Send independent of the caller's context.
	WriteTimeout time.Duration
	// Observe, when set, is called for every message sent or received.
	Observe func(dir Direction, t message.Type)
	Logger  *zerolog.Logger
}

// Channel carries encoded control messages over a stream connection.
// Send and Receive may be called from different goroutines; concurrent
// Sends are serialized.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	log    zerolog.Logger

	maxPayload atomic.Uint32

	writeMu sync.Mutex
	broken  bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New takes ownership of conn.
func New(conn net.Conn, cfg Config) *Channel {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Channel{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		log:    logger.With().Str("peer", remoteString(conn)).Logger(),
		closed: make(chan struct{}),
	}
	c.maxPayload.Store(frame.CeilingBytes)
	return c
}

// SetMaxPacketSize applies a negotiated frame limit to both directions.
func (c *Channel) SetMaxPacketSize(n uint32) {
	c.maxPayload.Store(frame.Clamp(n).MaxPayloadBytes)
}

func (c *Channel) MaxPacketSize() uint32 {
	return c.maxPayload.Load()
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send encodes and writes m. It returns once the frame is handed to the
// connection, the write timeout elapses, or ctx is done. A write that is
// interrupted part-way leaves the stream unusable, so the channel is
// closed in that case.
func (c *Channel) Send(ctx context.Context, m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.broken {
		return ErrBroken
	}

	deadline := time.Time{}
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil && !c.isClosed() {
		return fmt.Errorf("channel: set write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	err = frame.WriteFrame(c.conn, payload, frame.Limits{MaxPayloadBytes: c.maxPayload.Load()})
	stop()

	if err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return err
		}
		closedBefore := c.isClosed()
		c.broken = true
		_ = c.Close()
		switch {
		case closedBefore:
			return ErrClosed
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}
	}
	c.observe(DirectionOut, m.Type())
	return nil
}

// Receive blocks until one complete frame is decoded, ctx is done, or the
// connection fails.
//
// Decode failures are returned with the decoded value (if any) and leave
// the channel open; the error satisfies message.IsDecodeError. An
// oversized frame closes the channel, and so does a cancelled Receive
// since it may stop part-way through a frame.
func (c *Channel) Receive(ctx context.Context) (message.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	payload, err := frame.ReadFrame(c.reader, frame.Limits{MaxPayloadBytes: c.maxPayload.Load()})
	stopped := stop()
	if err != nil {
		switch {
		case c.isClosed():
			return nil, ErrClosed
		case !stopped && ctx.Err() != nil:
			_ = c.Close()
			return nil, ctx.Err()
		case errors.Is(err, frame.ErrPayloadTooLarge):
			c.log.Warn().Err(err).Msg("channel.Receive oversized frame, closing")
			_ = c.Close()
			return nil, err
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: peer closed connection", ErrClosed)
		default:
			return nil, err
		}
	}

	m, err := message.Decode(payload)
	if m != nil {
		c.observe(DirectionIn, m.Type())
	}
	return m, err
}

// Close releases the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Channel) observe(dir Direction, t message.Type) {
	if c.cfg.Observe != nil {
		c.cfg.Observe(dir, t)
	}
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
