// Package media starts and stops the external GStreamer media plane for an
// established control session.
//
// Ownership boundary:
// - codec table and gst-launch pipeline construction
// - child process lifecycle for one stream per session
// - element availability checks for diagnostics
package media

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownCodec  = errors.New("media: unknown codec")
	ErrInvalidParams = errors.New("media: invalid params")
)

// Mode selects which half of the media plane a stream runs.
type Mode string

const (
	ModeSend    Mode = "send"
	ModeReceive Mode = "receive"
)

const rtpPayloadType = 96

// Params describes one stream. Host is only used when sending.
type Params struct {
	Mode        Mode
	Codec       string
	Host        string
	Port        uint16
	Width       int
	Height      int
	Framerate   int
	BitrateKbps int
	// NodeID selects a PipeWire node as the capture source. Zero falls
	// back to a live test pattern.
	NodeID uint32
}

type codecSpec struct {
	encodingName string
	encoder      func(kbps int) []string
	payloader    string
	depayloader  string
	parser       string
	decoder      string
}

var codecs = map[string]codecSpec{
	"h264": {
		encodingName: "H264",
		encoder: func(kbps int) []string {
			return []string{"x264enc", "tune=zerolatency", "speed-preset=ultrafast", fmt.Sprintf("bitrate=%d", kbps)}
		},
		payloader:   "rtph264pay config-interval=1",
		depayloader: "rtph264depay",
		parser:      "h264parse",
		decoder:     "avdec_h264",
	},
	"h265": {
		encodingName: "H265",
		encoder: func(kbps int) []string {
			return []string{"x265enc", "tune=zerolatency", "speed-preset=ultrafast", fmt.Sprintf("bitrate=%d", kbps)}
		},
		payloader:   "rtph265pay config-interval=1",
		depayloader: "rtph265depay",
		parser:      "h265parse",
		decoder:     "avdec_h265",
	},
	"vp8": {
		encodingName: "VP8",
		encoder: func(kbps int) []string {
			return []string{"vp8enc", "deadline=1", fmt.Sprintf("target-bitrate=%d", kbps*1000)}
		},
		payloader:   "rtpvp8pay",
		depayloader: "rtpvp8depay",
		decoder:     "vp8dec",
	},
	"vp9": {
		encodingName: "VP9",
		encoder: func(kbps int) []string {
			return []string{"vp9enc", "deadline=1", fmt.Sprintf("target-bitrate=%d", kbps*1000)}
		},
		payloader:   "rtpvp9pay",
		depayloader: "rtpvp9depay",
		decoder:     "vp9dec",
	},
}

// Codecs lists the codecs a pipeline can be built for, in default
// preference order.
func Codecs() []string {
	return []string{"h264", "h265", "vp8", "vp9"}
}

func lookup(codec string) (codecSpec, error) {
	spec, ok := codecs[strings.ToLower(strings.TrimSpace(codec))]
	if !ok {
		return codecSpec{}, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
	return spec, nil
}

func (p Params) withDefaults() Params {
	if p.Width <= 0 {
		p.Width = 1920
	}
	if p.Height <= 0 {
		p.Height = 1080
	}
	if p.Framerate <= 0 {
		p.Framerate = 60
	}
	if p.BitrateKbps <= 0 {
		p.BitrateKbps = 8000
	}
	return p
}

// Pipeline returns the gst-launch argument list for p. Each element is
// one launch token; caps strings stay in a single token.
func Pipeline(p Params) ([]string, error) {
	p = p.withDefaults()
	spec, err := lookup(p.Codec)
	if err != nil {
		return nil, err
	}
	if p.Port == 0 {
		return nil, fmt.Errorf("%w: port is required", ErrInvalidParams)
	}

	switch p.Mode {
	case ModeSend:
		if strings.TrimSpace(p.Host) == "" {
			return nil, fmt.Errorf("%w: host is required to send", ErrInvalidParams)
		}
		return sendPipeline(p, spec), nil
	case ModeReceive:
		return receivePipeline(p, spec), nil
	default:
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidParams, p.Mode)
	}
}

func sendPipeline(p Params, spec codecSpec) []string {
	var out []string
	if p.NodeID != 0 {
		out = append(out, "pipewiresrc", fmt.Sprintf("path=%d", p.NodeID), "do-timestamp=true")
	} else {
		out = append(out, "videotestsrc", "is-live=true")
	}
	out = append(out,
		"!", "videoconvert",
		"!", "videoscale",
		"!", fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", p.Width, p.Height, p.Framerate),
		"!", "queue", "max-size-buffers=1", "leaky=downstream",
		"!")
	out = append(out, spec.encoder(p.BitrateKbps)...)
	out = append(out, "!")
	out = append(out, strings.Fields(spec.payloader)...)
	out = append(out, fmt.Sprintf("pt=%d", rtpPayloadType),
		"!", "udpsink", "host="+p.Host, fmt.Sprintf("port=%d", p.Port), "sync=false")
	return out
}

func receivePipeline(p Params, spec codecSpec) []string {
	caps := fmt.Sprintf("caps=application/x-rtp, media=(string)video, clock-rate=(int)90000, encoding-name=(string)%s, payload=(int)%d",
		spec.encodingName, rtpPayloadType)
	out := []string{"udpsrc", fmt.Sprintf("port=%d", p.Port), caps, "!", spec.depayloader}
	if spec.parser != "" {
		out = append(out, "!", spec.parser)
	}
	out = append(out, "!", spec.decoder, "!", "videoconvert", "!", "autovideosink", "sync=false")
	return out
}

// Elements lists the GStreamer elements needed for codec in mode.
func Elements(mode Mode, codec string) ([]string, error) {
	spec, err := lookup(codec)
	if err != nil {
		return nil, err
	}
	if mode == ModeSend {
		return []string{"videoconvert", "videoscale", spec.encoder(0)[0], strings.Fields(spec.payloader)[0], "udpsink"}, nil
	}
	out := []string{"udpsrc", spec.depayloader}
	if spec.parser != "" {
		out = append(out, spec.parser)
	}
	return append(out, spec.decoder, "videoconvert", "autovideosink"), nil
}
