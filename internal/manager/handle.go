package manager

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/ndp/internal/media"
	"github.com/danmuck/ndp/internal/observability"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Handle is the caller's view of one session. Events yields at most one
// session.Established and then exactly one session.Ended before closing.
type Handle struct {
	key       uint64
	mgr       *Manager
	role      session.Role
	remote    string
	mediaHost string
	started   time.Time
	machine   *session.Machine
	log       zerolog.Logger

	events chan session.Event
	done   chan struct{}

	mu          sync.Mutex
	established *session.Established
	ended       *session.Ended
	stream      media.Stream
	stopOnce    sync.Once
}

// HandleInfo is a status view of a Handle.
type HandleInfo struct {
	Remote  string       `json:"remote"`
	Started time.Time    `json:"started"`
	Media   bool         `json:"media"`
	Session session.Info `json:"session"`
}

func (h *Handle) Role() session.Role { return h.role }

func (h *Handle) Remote() string { return h.remote }

func (h *Handle) Events() <-chan session.Event { return h.events }

// Done is closed after the session reached Closed and its media stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close requests local shutdown with reason. Only the first call sends Bye.
func (h *Handle) Close(reason string) {
	h.machine.Close(reason)
}

// Wait blocks until the session ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (session.Ended, error) {
	select {
	case <-h.done:
		end, _ := h.Ended()
		return end, nil
	case <-ctx.Done():
		return session.Ended{}, ctx.Err()
	}
}

func (h *Handle) Established() (session.Established, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.established == nil {
		return session.Established{}, false
	}
	return *h.established, true
}

func (h *Handle) Ended() (session.Ended, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended == nil {
		return session.Ended{}, false
	}
	return *h.ended, true
}

func (h *Handle) Info() HandleInfo {
	h.mu.Lock()
	hasMedia := h.stream != nil
	h.mu.Unlock()
	return HandleInfo{
		Remote:  h.remote,
		Started: h.started,
		Media:   hasMedia,
		Session: h.machine.Info(),
	}
}

// drive runs the machine and reacts to its events. It is the only place
// media is started or stopped for this session.
func (h *Handle) drive(ctx context.Context) {
	defer h.mgr.remove(h)
	defer close(h.done)
	defer close(h.events)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		h.machine.Run(ctx)
	}()

	var mediaDone <-chan error
	events := h.machine.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch e := ev.(type) {
			case session.Established:
				h.onEstablished(ctx, e)
				h.mu.Lock()
				if h.stream != nil {
					mediaDone = h.stream.Done()
				}
				h.mu.Unlock()
			case session.Ended:
				h.stopMedia()
				h.mu.Lock()
				h.ended = &e
				h.mu.Unlock()
				observability.RecordSessionEnded(h.role.String(), e.Reason.String(), e.WasActive)
			}
			h.events <- ev

		case err, ok := <-mediaDone:
			mediaDone = nil
			if ok && err != nil {
				h.log.Error().Err(err).Msg("manager.Handle media engine failed")
				h.machine.Close(session.ByeMediaEngine)
			}
		}
	}
	<-runDone
	h.stopMedia()
}

func (h *Handle) onEstablished(ctx context.Context, e session.Established) {
	h.mu.Lock()
	h.established = &e
	h.mu.Unlock()
	observability.RecordSessionEstablished(h.role.String(), e.Codec)

	engine := h.mgr.cfg.Engine
	if engine == nil {
		return
	}
	defaults := h.mgr.cfg.Media
	p := media.Params{
		Codec:       e.Codec,
		Port:        e.MediaPort,
		Width:       defaults.Width,
		Height:      defaults.Height,
		Framerate:   defaults.Framerate,
		BitrateKbps: defaults.BitrateKbps,
		NodeID:      defaults.NodeID,
	}
	if h.role == session.RoleInitiator {
		p.Mode = media.ModeSend
		p.Host = h.mediaHost
	} else {
		p.Mode = media.ModeReceive
	}
	stream, err := engine.Start(ctx, p)
	if err != nil {
		h.log.Error().Err(err).Str("codec", e.Codec).Msg("manager.Handle media engine start failed")
		h.machine.Close(session.ByeMediaEngine)
		return
	}
	h.mu.Lock()
	h.stream = stream
	h.mu.Unlock()
}

func (h *Handle) stopMedia() {
	h.mu.Lock()
	stream := h.stream
	h.mu.Unlock()
	if stream == nil {
		return
	}
	h.stopOnce.Do(func() {
		if err := stream.Stop(); err != nil {
			h.log.Warn().Err(err).Msg("manager.Handle media stop")
		}
	})
}
