package main

import (
	"fmt"

	"github.com/danmuck/ndp/internal/config"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	listen      string
	mediaPort   uint16
	codecs      []string
	token       string
	statusAddr  string
	maxSessions int
	logLevel    string
}

func newFlagSet(opts *options) *pflag.FlagSet {
	def := config.DefaultSinkConfig()
	flags := pflag.NewFlagSet("ndp-sink", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "sink config file (TOML)")
	flags.StringVar(&opts.listen, "listen", def.Listen, "control listen address")
	flags.Uint16Var(&opts.mediaPort, "media-port", def.MediaPort, "UDP port advertised for media")
	flags.StringSliceVar(&opts.codecs, "codecs", def.Codecs, "codecs accepted in preference order")
	flags.StringVar(&opts.token, "token", "", "require this token in Hello (replaces configured tokens)")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "status HTTP listen address (empty disables)")
	flags.IntVar(&opts.maxSessions, "max-sessions", def.MaxSessions, "concurrent sessions before refusing with sink busy (0 is unbounded)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override")
	return flags
}

func loadConfig(args []string) (config.SinkConfig, error) {
	var opts options
	flags := newFlagSet(&opts)
	if err := flags.Parse(args); err != nil {
		return config.SinkConfig{}, err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return config.SinkConfig{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.LoadSinkConfig(opts.configPath)
	if err != nil {
		return config.SinkConfig{}, err
	}
	if flags.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flags.Changed("media-port") {
		cfg.MediaPort = opts.mediaPort
	}
	if flags.Changed("codecs") {
		cfg.Codecs = session.NormalizeCodecs(opts.codecs)
	}
	if flags.Changed("token") {
		cfg.Tokens = []string{opts.token}
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if flags.Changed("max-sessions") {
		cfg.MaxSessions = opts.maxSessions
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := config.ValidateSinkConfig(cfg); err != nil {
		return config.SinkConfig{}, err
	}
	return cfg, nil
}
