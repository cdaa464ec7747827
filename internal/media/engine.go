package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ndp/internal/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LaunchBinary  = "gst-launch-1.0"
	InspectBinary = "gst-inspect-1.0"

	defaultStopGrace = 3 * time.Second
)

var ErrStreamExited = errors.New("media: stream exited")

// Engine starts media streams for established sessions.
type Engine interface {
	Start(ctx context.Context, p Params) (Stream, error)
}

// Stream is one running media pipeline.
type Stream interface {
	// Stop ends the stream and waits for it to exit. Repeated calls
	// return the first result.
	Stop() error
	// Done yields the exit result once and is then closed. A stream that
	// exits on its own reports a non-nil error.
	Done() <-chan error
}

// GStreamer runs pipelines through gst-launch-1.0.
type GStreamer struct {
	Runner tools.CommandRunner
	// Binary overrides LaunchBinary.
	Binary string
	// StopGrace is how long Stop waits after SIGINT before killing.
	StopGrace time.Duration
	Logger    *zerolog.Logger
}

func (g GStreamer) Start(ctx context.Context, p Params) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pipeline, err := Pipeline(p)
	if err != nil {
		return nil, err
	}
	runner := g.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	bin := g.Binary
	if bin == "" {
		bin = LaunchBinary
	}
	logger := log.Logger
	if g.Logger != nil {
		logger = *g.Logger
	}
	logger = logger.With().Str("codec", p.Codec).Str("mode", string(p.Mode)).Uint16("port", p.Port).Logger()

	args := append([]string{"-e"}, pipeline...)
	proc, err := runner.Start(bin, args...)
	if err != nil {
		return nil, fmt.Errorf("media: start %s: %w", bin, err)
	}
	logger.Info().Int("pid", proc.Pid()).Str("pipeline", strings.Join(pipeline, " ")).Msg("media.GStreamer started")

	grace := g.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	s := &procStream{
		proc:  proc,
		grace: grace,
		log:   logger,
		exit:  make(chan struct{}),
		done:  make(chan error, 1),
	}
	go s.wait()
	return s, nil
}

type procStream struct {
	proc  tools.Process
	grace time.Duration
	log   zerolog.Logger

	mu       sync.Mutex
	stopping bool
	exitErr  error
	exit     chan struct{}
	done     chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *procStream) wait() {
	err := s.proc.Wait()
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	var result error
	switch {
	case stopping:
	case err != nil:
		result = fmt.Errorf("%w: %w", ErrStreamExited, err)
	default:
		result = fmt.Errorf("%w: end of stream", ErrStreamExited)
	}
	s.exitErr = result
	close(s.exit)
	if result != nil {
		s.log.Warn().Err(result).Msg("media.GStreamer stream exited")
	}
	s.done <- result
	close(s.done)
}

func (s *procStream) Done() <-chan error { return s.done }

func (s *procStream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		select {
		case <-s.exit:
			s.stopErr = s.exitErr
			return
		default:
		}

		if err := s.proc.Signal(os.Interrupt); err != nil {
			s.log.Debug().Err(err).Msg("media.GStreamer interrupt failed")
		}
		t := time.NewTimer(s.grace)
		defer t.Stop()
		select {
		case <-s.exit:
		case <-t.C:
			s.log.Warn().Dur("grace", s.grace).Msg("media.GStreamer did not stop, killing")
			if err := s.proc.Kill(); err != nil {
				s.stopErr = fmt.Errorf("media: kill: %w", err)
			}
			<-s.exit
		}
		s.log.Info().Msg("media.GStreamer stopped")
	})
	return s.stopErr
}
