// Command voxcoach runs the English-coaching voice stack. `voxcoach serve`
// starts the API server (transcription, coaching, session storage);
// `voxcoach talk` runs the microphone client against a server.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/voxcoach/voxcoach/internal/config"
	"github.com/voxcoach/voxcoach/internal/observe"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sessionKey := flag.String("session", "", "session key to resume (talk mode only)")
	flag.Usage = usage
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxcoach: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxcoach: %v\n", err)
		}
		return 1
	}

	logger := observe.NewLogger(string(cfg.Server.LogLevel))
	slog.SetDefault(logger)

	switch cmd {
	case "serve":
		return runServe(cfg)
	case "talk":
		return runTalk(cfg, *sessionKey)
	default:
		fmt.Fprintf(os.Stderr, "voxcoach: unknown command %q\n\n", cmd)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `voxcoach %s

Usage:
  voxcoach [flags] serve    start the API server
  voxcoach [flags] talk     capture the microphone and converse with the coach

Flags:
`, version)
	flag.PrintDefaults()
}
