package main

import (
	"fmt"

	"github.com/danmuck/ndp/internal/config"
	"github.com/danmuck/ndp/internal/protocol/session"
	"github.com/spf13/pflag"
)

type options struct {
	configPath string
	peer       string
	width      int
	height     int
	fps        int
	bitrate    int
	codecs     []string
	token      string
	nodeID     uint32
	statusAddr string
	logLevel   string
}

func newFlagSet(opts *options) *pflag.FlagSet {
	def := config.DefaultProviderConfig()
	flags := pflag.NewFlagSet("ndp-provider", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "provider config file (TOML)")
	flags.StringVar(&opts.peer, "peer", "", "sink control address host[:port]")
	flags.IntVar(&opts.width, "width", def.Media.Width, "stream width")
	flags.IntVar(&opts.height, "height", def.Media.Height, "stream height")
	flags.IntVar(&opts.fps, "fps", def.Media.FPS, "stream framerate")
	flags.IntVar(&opts.bitrate, "bitrate", def.Media.BitrateKbps, "encoder bitrate in kbit/s")
	flags.StringSliceVar(&opts.codecs, "codecs", def.Codecs, "codecs to offer in preference order")
	flags.StringVar(&opts.token, "token", "", "auth token sent in Hello")
	flags.Uint32Var(&opts.nodeID, "node-id", 0, "PipeWire node to capture (0 uses a test source)")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "status HTTP listen address (empty disables)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override")
	return flags
}

// loadConfig reads the config file and applies every flag the user set.
func loadConfig(args []string) (config.ProviderConfig, error) {
	var opts options
	flags := newFlagSet(&opts)
	if err := flags.Parse(args); err != nil {
		return config.ProviderConfig{}, err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return config.ProviderConfig{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.LoadProviderConfig(opts.configPath)
	if err != nil {
		return config.ProviderConfig{}, err
	}
	if flags.Changed("peer") {
		cfg.Peer = opts.peer
	}
	if flags.Changed("width") {
		cfg.Media.Width = opts.width
	}
	if flags.Changed("height") {
		cfg.Media.Height = opts.height
	}
	if flags.Changed("fps") {
		cfg.Media.FPS = opts.fps
	}
	if flags.Changed("bitrate") {
		cfg.Media.BitrateKbps = opts.bitrate
	}
	if flags.Changed("codecs") {
		cfg.Codecs = session.NormalizeCodecs(opts.codecs)
	}
	if flags.Changed("token") {
		cfg.Token = opts.token
	}
	if flags.Changed("node-id") {
		cfg.Media.PipeWireNode = opts.nodeID
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := config.ValidateProviderConfig(cfg); err != nil {
		return config.ProviderConfig{}, err
	}
	return cfg, nil
}
