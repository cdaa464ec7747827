package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ndp/internal/media"
	"github.com/danmuck/ndp/internal/protocol/message"
	"github.com/danmuck/ndp/internal/protocol/session"
)

var ErrInvalid = errors.New("config: invalid")

// MediaConfig holds the stream settings a provider applies after
// negotiation.
type MediaConfig struct {
	Width        int
	Height       int
	FPS          int
	BitrateKbps  int
	PipeWireNode uint32
}

type ProviderConfig struct {
	Node               string
	Peer               string
	Codecs             []string
	Token              string
	Media              MediaConfig
	MaxConnectAttempts int
	StatusAddr         string
	LogLevel           string
	CorsOrigins        []string
	Session            session.Config
}

type SinkConfig struct {
	Node        string
	Listen      string
	MediaPort   uint16
	Codecs      []string
	Tokens      []string
	MaxSessions int
	StatusAddr  string
	LogLevel    string
	CorsOrigins []string
	Session     session.Config
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Node:   "ndp-provider",
		Codecs: []string{"h264"},
		Media: MediaConfig{
			Width:       1920,
			Height:      1080,
			FPS:         60,
			BitrateKbps: 8000,
		},
		MaxConnectAttempts: 5,
		LogLevel:           "info",
		Session:            session.DefaultConfig(),
	}
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Node:        "ndp-sink",
		Listen:      net.JoinHostPort("", strconv.Itoa(int(message.DefaultControlPort))),
		MediaPort:   message.DefaultMediaPort,
		Codecs:      []string{"h264"},
		MaxSessions: 1,
		LogLevel:    "info",
		Session:     session.DefaultConfig(),
	}
}

type sessionFile struct {
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ByeTimeout       string `toml:"bye_timeout"`
	PingInterval     string `toml:"ping_interval"`
	LivenessTimeout  string `toml:"liveness_timeout"`
	MaxPacketSize    uint32 `toml:"max_packet_size"`
}

type providerFile struct {
	Node               string      `toml:"node"`
	Peer               string      `toml:"peer"`
	Codecs             []string    `toml:"codecs"`
	Token              string      `toml:"token"`
	Width              int         `toml:"width"`
	Height             int         `toml:"height"`
	FPS                int         `toml:"fps"`
	BitrateKbps        int         `toml:"bitrate_kbps"`
	PipeWireNode       uint32      `toml:"pipewire_node"`
	MaxConnectAttempts int         `toml:"max_connect_attempts"`
	StatusAddr         string      `toml:"status_addr"`
	LogLevel           string      `toml:"log_level"`
	CorsOrigins        []string    `toml:"cors_origins"`
	Session            sessionFile `toml:"session"`
}

type sinkFile struct {
	Node        string      `toml:"node"`
	Listen      string      `toml:"listen"`
	MediaPort   uint16      `toml:"media_port"`
	Codecs      []string    `toml:"codecs"`
	Tokens      []string    `toml:"tokens"`
	MaxSessions int         `toml:"max_sessions"`
	StatusAddr  string      `toml:"status_addr"`
	LogLevel    string      `toml:"log_level"`
	CorsOrigins []string    `toml:"cors_origins"`
	Session     sessionFile `toml:"session"`
}

// LoadProviderConfig reads path over DefaultProviderConfig. Only keys
// present in the file override defaults. An empty path returns defaults.
func LoadProviderConfig(path string) (ProviderConfig, error) {
	cfg := DefaultProviderConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw providerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("load provider config (%s): %w", path, err)
	}

	if meta.IsDefined("node") {
		cfg.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("peer") {
		cfg.Peer = strings.TrimSpace(raw.Peer)
	}
	if meta.IsDefined("codecs") {
		cfg.Codecs = session.NormalizeCodecs(raw.Codecs)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("width") {
		cfg.Media.Width = raw.Width
	}
	if meta.IsDefined("height") {
		cfg.Media.Height = raw.Height
	}
	if meta.IsDefined("fps") {
		cfg.Media.FPS = raw.FPS
	}
	if meta.IsDefined("bitrate_kbps") {
		cfg.Media.BitrateKbps = raw.BitrateKbps
	}
	if meta.IsDefined("pipewire_node") {
		cfg.Media.PipeWireNode = raw.PipeWireNode
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if err := applySession(&meta, raw.Session, &cfg.Session); err != nil {
		return ProviderConfig{}, fmt.Errorf("load provider config (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadSinkConfig reads path over DefaultSinkConfig.
func LoadSinkConfig(path string) (SinkConfig, error) {
	cfg := DefaultSinkConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw sinkFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return SinkConfig{}, fmt.Errorf("load sink config (%s): %w", path, err)
	}

	if meta.IsDefined("node") {
		cfg.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("media_port") {
		cfg.MediaPort = raw.MediaPort
	}
	if meta.IsDefined("codecs") {
		cfg.Codecs = session.NormalizeCodecs(raw.Codecs)
	}
	if meta.IsDefined("tokens") {
		cfg.Tokens = normalizeList(raw.Tokens)
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if err := applySession(&meta, raw.Session, &cfg.Session); err != nil {
		return SinkConfig{}, fmt.Errorf("load sink config (%s): %w", path, err)
	}
	return cfg, nil
}

type metaKeys interface {
	IsDefined(key ...string) bool
}

func applySession(meta metaKeys, raw sessionFile, cfg *session.Config) error {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"bye_timeout", raw.ByeTimeout, &cfg.ByeTimeout},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"liveness_timeout", raw.LivenessTimeout, &cfg.LivenessTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "max_packet_size") {
		cfg.MaxPacketSize = raw.MaxPacketSize
	}
	return nil
}

func ValidateProviderConfig(cfg ProviderConfig) error {
	if strings.TrimSpace(cfg.Peer) == "" {
		return fmt.Errorf("%w: provider peer is required", ErrInvalid)
	}
	if err := validateCodecs(cfg.Codecs); err != nil {
		return err
	}
	if cfg.Media.Width <= 0 || cfg.Media.Height <= 0 || cfg.Media.FPS <= 0 {
		return fmt.Errorf("%w: width, height and fps must be positive", ErrInvalid)
	}
	if cfg.Media.BitrateKbps <= 0 {
		return fmt.Errorf("%w: bitrate must be positive", ErrInvalid)
	}
	if cfg.MaxConnectAttempts <= 0 {
		return fmt.Errorf("%w: max_connect_attempts must be positive", ErrInvalid)
	}
	return cfg.Session.WithDefaults().Validate()
}

func ValidateSinkConfig(cfg SinkConfig) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%w: sink listen address is required", ErrInvalid)
	}
	if cfg.MediaPort == 0 {
		return fmt.Errorf("%w: sink media_port is required", ErrInvalid)
	}
	if err := validateCodecs(cfg.Codecs); err != nil {
		return err
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("%w: max_sessions must not be negative", ErrInvalid)
	}
	return cfg.Session.WithDefaults().Validate()
}

func validateCodecs(codecs []string) error {
	if len(codecs) == 0 {
		return fmt.Errorf("%w: at least one codec is required", ErrInvalid)
	}
	for _, c := range codecs {
		if _, err := media.Elements(media.ModeReceive, c); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// PeerAddr adds the default control port to a bare host.
func PeerAddr(peer string) string {
	peer = strings.TrimSpace(peer)
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, strconv.Itoa(int(message.DefaultControlPort)))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
