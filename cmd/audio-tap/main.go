// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command audio-tap opens one stream against a running audio server
// and pipes its raw PCM to or from a file, for manually exercising a
// server deployment without a full playback/capture application.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/audiocore/internal/client"
	"github.com/nishisan-dev/audiocore/internal/config"
	"github.com/nishisan-dev/audiocore/internal/logging"
	"github.com/nishisan-dev/audiocore/internal/observer"
	"github.com/nishisan-dev/audiocore/internal/protocol"
)

// allNotificationKinds lists every observer notification kind (spec
// §4.5's ten callbacks) so this demo CLI exercises the full table
// rather than a single kind.
var allNotificationKinds = []protocol.NotificationKind{
	protocol.NotifyOutputVolume,
	protocol.NotifyOutputMute,
	protocol.NotifyCaptureGain,
	protocol.NotifyCaptureMute,
	protocol.NotifyNodes,
	protocol.NotifyActiveNode,
	protocol.NotifyOutputNodeVolume,
	protocol.NotifyNodeSwap,
	protocol.NotifyInputNodeGain,
	protocol.NotifyActiveStreamCounts,
}

func main() {
	configPath := flag.String("config", "/etc/audiocore/client.yaml", "path to client config file")
	direction := flag.String("direction", "playback", "playback or capture")
	file := flag.String("file", "", "file to read PCM from (playback) or write PCM to (capture); - for stdin/stdout")
	rateHz := flag.Uint("rate", 48000, "sample rate in Hz")
	channels := flag.Uint("channels", 2, "channel count")
	duration := flag.Duration("duration", 10*time.Second, "how long to run before detaching")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		os.Exit(1)
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	c, err := client.New(cfg, logger)
	if err != nil {
		logger.Error("constructing client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	c.SetConnectionStatusCallback(func(status observer.Status) {
		logger.Info("connection status changed", "status", status)
	})
	for _, kind := range allNotificationKinds {
		kind := kind
		c.RegisterNotify(kind, func(k protocol.NotificationKind, payload []byte) {
			logger.Debug("notification received", "kind", k, "bytes", len(payload))
		})
	}

	if err := c.Connect(5 * time.Second); err != nil {
		logger.Error("connecting to server", "error", err)
		os.Exit(1)
	}

	var dir protocol.Direction
	switch *direction {
	case "playback":
		dir = protocol.DirectionPlayback
	case "capture":
		dir = protocol.DirectionCapture
	default:
		fmt.Fprintf(os.Stderr, "Error: -direction must be playback or capture, got %q\n", *direction)
		os.Exit(1)
	}

	f, err := openTapFile(*file, dir)
	if err != nil {
		logger.Error("opening tap file", "error", err)
		os.Exit(1)
	}
	defer f.Close()

	params := client.StreamParams{
		Direction: dir,
		Format: protocol.AudioFormat{
			Format:   protocol.SampleFormatS16LE,
			RateHz:   uint32(*rateHz),
			Channels: uint8(*channels),
		},
		TargetDeviceIndex: protocol.NoDevice,
	}

	if dir == protocol.DirectionPlayback {
		params.Playback = func(buf []byte, frames int64) (int64, error) {
			n, err := io.ReadFull(f, buf)
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				if n == 0 {
					return -1, nil // underflow ends the stream cleanly
				}
				return int64(n) / frameByteSize(*channels), nil
			}
			if err != nil {
				return 0, err
			}
			return frames, nil
		}
	} else {
		params.Capture = func(buf []byte, frames int64) error {
			_, err := f.Write(buf)
			return err
		}
	}

	stream, err := c.AddStream(params)
	if err != nil {
		logger.Error("adding stream", "error", err)
		os.Exit(1)
	}
	logger.Info("stream running", "stream_id", stream.ID(), "direction", *direction, "duration", *duration)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, tearing down", "signal", sig)
	case <-time.After(*duration):
	}

	if err := stream.Remove(); err != nil {
		logger.Error("removing stream", "error", err)
		os.Exit(1)
	}
}

func frameByteSize(channels uint) int64 {
	return int64(channels) * 2 // S16LE
}

func openTapFile(path string, dir protocol.Direction) (*os.File, error) {
	if path == "-" {
		if dir == protocol.DirectionPlayback {
			return os.Stdin, nil
		}
		return os.Stdout, nil
	}
	if dir == protocol.DirectionPlayback {
		return os.Open(path)
	}
	return os.Create(path)
}
