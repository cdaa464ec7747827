package main

import (
	"log"
	"os"

	"github.com/danmuck/ndp/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("configgen", pflag.ExitOnError)
	kind := flags.String("kind", config.KindSink, "config kind: provider|sink")
	output := flags.String("output", "", "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing config file")
	input := flags.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flags.Bool("force", false, "overwrite existing config file")
	_ = flags.Parse(os.Args[1:])

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if err := config.Validate(path, *kind); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case config.KindProvider:
		return "cmd/ndp-provider/config.toml"
	case config.KindSink:
		return "cmd/ndp-sink/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
