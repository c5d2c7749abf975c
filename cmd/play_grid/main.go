package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/davecgh/go-spew/spew"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cbegin/beatgrid-go"
	"github.com/cbegin/beatgrid-go/internal/config"
	"github.com/cbegin/beatgrid-go/internal/logging"
	"github.com/cbegin/beatgrid-go/internal/pattern"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "beatgrid.yaml", "path to the YAML config")
		patternPath = flag.StringP("pattern", "p", "", "pattern file (overrides the config)")
		bpm         = flag.Float64P("bpm", "b", 0, "tempo override in beats per minute (0 < bpm <= 10000)")
		loops       = flag.IntP("loops", "n", 0, "stop after N loops (0 = until Ctrl+C)")
		renderPath  = flag.StringP("render", "r", "", "render the loops to this WAV file instead of playing")
		dump        = flag.Bool("dump", false, "print the derived playback queue")
		logLevel    = flag.String("log-level", "", "log level override: debug|info|warn|error|off")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *patternPath != "" {
		cfg.PatternFile = *patternPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	m, err := beatgrid.NewMachine(cfg, beatgrid.WithLogger(logger), beatgrid.WithoutPersistence())
	if err != nil {
		logger.Fatal("machine setup failed", zap.Error(err))
	}
	defer m.Close()
	if flag.CommandLine.Changed("bpm") {
		if err := m.SetBPM(*bpm); err != nil {
			logger.Fatal("bad tempo", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := m.LoadSamples(loadCtx); err != nil {
		logger.Warn("some voices will be silent", zap.Error(err))
	}
	cancel()

	if *dump {
		spew.Dump(m.Tempo(), m.Queue())
	}
	if *renderPath != "" {
		if err := render(m, cfg, *renderPath, *loops); err != nil {
			logger.Fatal("render failed", zap.Error(err))
		}
		return
	}
	play(ctx, m, logger, *loops, cfg.Timing.Lookahead)
}

func render(m *beatgrid.Machine, cfg *config.Config, path string, loops int) error {
	if loops <= 0 {
		loops = 1
	}
	out, err := beatgrid.RenderLoops(m.Grid(), m.Tempo(), m.Library(), cfg.Audio.SampleRate, loops,
		beatgrid.WithRenderBus(cfg.Bus),
		beatgrid.WithRenderGain(cfg.Audio.Gain),
		beatgrid.WithRenderTiming(cfg.Timing.Lookahead, cfg.Timing.TickInterval))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := beatgrid.ExportWAV(f, out, cfg.Audio.SampleRate); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %d loops (%.2fs) to %s\n", loops, float64(len(out)/2)/float64(cfg.Audio.SampleRate), path)
	return nil
}

// ringOut is how long to keep the output open after the last loop's final
// beat was scheduled. The loop-completed event fires when that beat is
// queued, which is up to a lookahead before it starts, and the beat itself
// lasts one beat interval.
func ringOut(t pattern.Tempo, lookahead time.Duration) time.Duration {
	return t.BeatInterval() + lookahead
}

func play(ctx context.Context, m *beatgrid.Machine, logger *zap.Logger, loops int, lookahead time.Duration) {
	events := m.Watch()
	// A command line run is its own user action.
	if err := m.Activate(); err != nil {
		logger.Fatal("audio output unavailable", zap.Error(err))
	}
	if err := m.Play(); err != nil {
		logger.Fatal("play failed", zap.Error(err))
	}
	t := m.Tempo()
	fmt.Printf("playing %d beats at %.1f bpm\n", t.BeatsPerLoop(), t.BPM)

	completed := 0
	silent := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("stopping")
			_ = m.Stop()
			return
		case ev := <-events:
			switch ev.Kind {
			case beatgrid.EventLoopCompleted:
				completed++
				fmt.Printf("loop %d completed\n", completed)
				if loops > 0 && completed >= loops {
					_ = m.Stop()
					time.Sleep(ringOut(m.Tempo(), lookahead))
					return
				}
			case beatgrid.EventVoiceUnavailable:
				if !silent[ev.Voice] {
					silent[ev.Voice] = true
					fmt.Printf("voice %s unavailable: %v\n", ev.Voice, ev.Err)
				}
			case beatgrid.EventRejected:
				fmt.Printf("late hit dropped: %s at %.3fs\n", ev.Voice, ev.At)
			}
		}
	}
}
