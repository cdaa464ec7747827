package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

const (
	KindProvider = "provider"
	KindSink     = "sink"
)

// Template renders a starting config for kind from the current defaults.
func Template(kind string) (string, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindProvider:
		cfg := DefaultProviderConfig()
		doc = providerFile{
			Node:               cfg.Node,
			Peer:               "sink.local:5511",
			Codecs:             cfg.Codecs,
			Width:              cfg.Media.Width,
			Height:             cfg.Media.Height,
			FPS:                cfg.Media.FPS,
			BitrateKbps:        cfg.Media.BitrateKbps,
			MaxConnectAttempts: cfg.MaxConnectAttempts,
			StatusAddr:         "127.0.0.1:9510",
			LogLevel:           cfg.LogLevel,
			CorsOrigins:        []string{"http://localhost:3000"},
			Session:            sessionTemplate(cfg.Session),
		}
	case KindSink:
		cfg := DefaultSinkConfig()
		doc = sinkFile{
			Node:        cfg.Node,
			Listen:      cfg.Listen,
			MediaPort:   cfg.MediaPort,
			Codecs:      cfg.Codecs,
			Tokens:      []string{},
			MaxSessions: cfg.MaxSessions,
			StatusAddr:  "127.0.0.1:9511",
			LogLevel:    cfg.LogLevel,
			CorsOrigins: []string{"http://localhost:3000"},
			Session:     sessionTemplate(cfg.Session),
		}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func sessionTemplate(cfg session.Config) sessionFile {
	return sessionFile{
		ConnectTimeout:   cfg.ConnectTimeout.String(),
		HandshakeTimeout: cfg.HandshakeTimeout.String(),
		WriteTimeout:     cfg.WriteTimeout.String(),
		ByeTimeout:       cfg.ByeTimeout.String(),
		PingInterval:     cfg.PingInterval.String(),
		LivenessTimeout:  cfg.LivenessTimeout.String(),
		MaxPacketSize:    cfg.MaxPacketSize,
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads and validates the config at path as kind.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindProvider:
		cfg, err := LoadProviderConfig(path)
		if err != nil {
			return err
		}
		return ValidateProviderConfig(cfg)
	case KindSink:
		cfg, err := LoadSinkConfig(path)
		if err != nil {
			return err
		}
		return ValidateSinkConfig(cfg)
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}
