package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'tune' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		path := fs.String("file", "claudette.yaml", "Path to configuration file")
		fs.Parse(os.Args[2:])
		if _, err := config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "tune":
		fs := flag.NewFlagSet("tune", flag.ExitOnError)
		path := fs.String("config", "claudette.yaml", "Path to configuration file")
		var tune protocol.WakeTune
		fs.StringVar(&tune.DeviceID, "device", "", "Device to tune (all devices when empty)")
		fs.Float64Var(&tune.Threshold, "threshold", 0, "Wake confidence threshold in (0, 1]")
		cooldown := fs.Int("cooldown-ms", -1, "Cooldown after a detection, 0 turns it off")
		fs.IntVar(&tune.MinConsecutiveFrames, "min-frames", 0, "Consecutive frames above threshold")
		fs.Parse(os.Args[2:])
		if *cooldown >= 0 {
			tune.CooldownMS = cooldown
		}
		n, err := runTune(*path, tune)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("tuned %d listener(s)\n", n)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTune(path string, tune protocol.WakeTune) (int, error) {
	if tune.Threshold == 0 && tune.CooldownMS == nil && tune.MinConsecutiveFrames == 0 {
		return 0, errors.New("nothing to tune")
	}
	if tune.Threshold < 0 || tune.Threshold > 1 {
		return 0, fmt.Errorf("threshold %.2f out of range", tune.Threshold)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return 0, err
	}
	// Dial the daemon's embedded server rather than starting another.
	busCfg := cfg.Bus
	busCfg.Embedded = false
	if cfg.Bus.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := bus.Connect(ctx, busCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return 0, err
	}
	defer client.Close()

	reply, err := client.RequestJSON(ctx, protocol.SubjectWakeTune, tune)
	if err != nil {
		return 0, fmt.Errorf("no daemon answered: %w", err)
	}
	n, err := strconv.Atoi(string(reply))
	if err != nil {
		return 0, fmt.Errorf("unexpected reply %q", reply)
	}
	return n, nil
}
