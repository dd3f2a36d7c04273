// Command frameserverd wires together Status, FrameServer, EventLogger,
// and OutputDriver from a JSON configuration file and runs a synthetic
// decoder source end to end, standing in for the real video/audio
// decoder and analyzer subsystems this module treats as external
// collaborators.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/facepipe/frameserver/internal/config"
	"github.com/facepipe/frameserver/internal/decoder"
	"github.com/facepipe/frameserver/internal/eventlogger"
	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/outputdriver"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
)

func main() {
	configPath := flag.String("config", "", "path to JSON configuration file")
	frameCount := flag.Int("frames", 60, "number of synthetic frames to generate")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else {
		cfg = &config.Config{}
		if err := cfg.Check(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger, err := servicelog.New(cfg.Debug, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *frameCount); err != nil {
		logger.Error("fatal error", servicelog.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger servicelog.Logger, frameCount int) error {
	st := status.New(logger, cfg.LowLatency)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics endpoint stopped", servicelog.Error(err))
			}
		}()
	}

	fs, err := frameserver.New(logger, st, frameserver.Config{
		LowLatency:           cfg.LowLatency,
		MaxQueueDepth:        cfg.MaxQueueDepth,
		DetectionBoundingBox: cfg.DetectionBoundingBox,
	})
	if err != nil {
		return fmt.Errorf("constructing frame server: %w", err)
	}
	defer fs.Close()
	fs.SetMirrorMode(cfg.MirrorMode)

	var replaySource *os.File
	if cfg.EventReplayFile != "" {
		replaySource, err = os.Open(cfg.EventReplayFile)
		if err != nil {
			return fmt.Errorf("opening event replay file: %w", err)
		}
		defer replaySource.Close()
	}

	var evl *eventlogger.EventLogger
	if replaySource != nil {
		evl, err = eventlogger.New(logger, st, fs, frameserver.Processing, cfg.EventReplayStartOffset, replaySource)
	} else {
		evl, err = eventlogger.New(logger, st, fs, frameserver.Processing, cfg.EventReplayStartOffset, nil)
	}
	if err != nil {
		return fmt.Errorf("constructing event logger: %w", err)
	}
	defer evl.Close()

	sinkFiles, closeSinks, err := openSinks(cfg.OutputPaths)
	if err != nil {
		return fmt.Errorf("opening output sinks: %w", err)
	}
	defer closeSinks()
	sinks := make([]io.Writer, len(sinkFiles))
	for i, f := range sinkFiles {
		sinks[i] = f
	}

	od, err := outputdriver.New(logger, st, fs, sinks...)
	if err != nil {
		return fmt.Errorf("constructing output driver: %w", err)
	}
	defer od.Close()
	if err := od.RegisterFrameData("events"); err != nil {
		return err
	}
	feeder, err := newEventsFeeder(logger, st, fs, evl, od)
	if err != nil {
		return fmt.Errorf("constructing events feeder: %w", err)
	}
	defer feeder.Close()

	src := decoder.NewFakeSource(1280, 720, frameCount, 33*time.Millisecond)
	inserted, err := decoder.Pump(fs, src, false)
	if err != nil {
		return fmt.Errorf("pumping decoder frames: %w", err)
	}
	logger.Info("inserted synthetic frames", servicelog.Int("count", inserted))

	deadline := time.Now().Add(30 * time.Second)
	for !fs.IsDrained() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !fs.IsDrained() {
		return fmt.Errorf("frame server did not drain within timeout")
	}
	return nil
}

func openSinks(paths []string) ([]*os.File, func(), error) {
	var sinks []*os.File
	for _, p := range paths {
		if p == "-" {
			sinks = append(sinks, os.Stdout)
			continue
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, f)
	}
	closeFn := func() {
		for _, f := range sinks {
			if f != os.Stdout {
				f.Close()
			}
		}
	}
	return sinks, closeFn, nil
}
