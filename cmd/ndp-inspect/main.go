package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/ndp/internal/config"
	"github.com/danmuck/ndp/internal/logging"
	"github.com/danmuck/ndp/internal/media"
	"github.com/danmuck/ndp/internal/observability"
	"github.com/danmuck/ndp/internal/tools"
	"github.com/spf13/pflag"
)

type options struct {
	codecs   []string
	mode     string
	probe    string
	pings    int
	token    string
	timeout  time.Duration
	logLevel string
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("ndp-inspect", pflag.ContinueOnError)
	flags.StringSliceVar(&opts.codecs, "codecs", media.Codecs(), "codecs whose GStreamer elements are checked")
	flags.StringVar(&opts.mode, "mode", "both", "element set to check: send|receive|both")
	flags.StringVar(&opts.probe, "probe", "", "sink control address to probe (host[:port])")
	flags.IntVar(&opts.pings, "pings", 3, "ping round trips to measure during a probe")
	flags.StringVar(&opts.token, "token", "", "auth token sent in the probe Hello")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "overall probe timeout")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	switch opts.mode {
	case "send", "receive", "both":
	default:
		return options{}, fmt.Errorf("unknown mode %q (supported: send, receive, both)", opts.mode)
	}
	if opts.pings <= 0 {
		return options{}, fmt.Errorf("pings must be positive")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ndp-inspect: %v\n", err)
		os.Exit(2)
	}
	observability.InitLogger("ndp-inspect", logging.Resolve(logging.ProfileRuntime, opts.logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("NDP Inspector")
	fmt.Println("=============")
	missing, err := reportElements(os.Stdout, tools.ExecRunner{}, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ndp-inspect: %v\n", err)
		os.Exit(2)
	}

	if missing > 0 {
		fmt.Printf("%d element(s) unavailable\n", missing)
	}

	code := 0
	if opts.probe != "" {
		probeCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		if err := probe(probeCtx, os.Stdout, config.PeerAddr(opts.probe), opts); err != nil {
			fmt.Fprintf(os.Stderr, "ndp-inspect: probe failed: %v\n", err)
			code = 1
		}
	}
	os.Exit(code)
}

// reportElements prints the availability of every element the selected
// codecs need and returns how many are missing.
func reportElements(w io.Writer, runner tools.CommandRunner, opts options) (int, error) {
	var modes []media.Mode
	switch opts.mode {
	case "send":
		modes = []media.Mode{media.ModeSend}
	case "receive":
		modes = []media.Mode{media.ModeReceive}
	default:
		modes = []media.Mode{media.ModeSend, media.ModeReceive}
	}

	elements := append([]string(nil), media.DiagnosticElements...)
	for _, codec := range opts.codecs {
		for _, mode := range modes {
			names, err := media.Elements(mode, codec)
			if err != nil {
				return 0, err
			}
			elements = append(elements, names...)
		}
	}

	fmt.Fprintf(w, "Checking GStreamer elements (via %s)...\n", media.InspectBinary)
	missing := 0
	for _, st := range media.Inspect(runner, elements) {
		switch {
		case st.Error != "":
			missing++
			fmt.Fprintf(w, "  %s: ERROR (%s)\n", st.Name, st.Error)
		case st.Available:
			fmt.Fprintf(w, "  %s: AVAILABLE\n", st.Name)
		default:
			missing++
			fmt.Fprintf(w, "  %s: MISSING\n", st.Name)
		}
	}
	return missing, nil
}
