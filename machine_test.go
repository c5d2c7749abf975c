package beatgrid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	intaudio "github.com/cbegin/beatgrid-go/internal/audio"
	"github.com/cbegin/beatgrid-go/internal/config"
	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/samples"
)

func writeKit(t *testing.T, dir string, rate int, voices ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, v := range voices {
		f, err := os.Create(filepath.Join(dir, v+".wav"))
		if err != nil {
			t.Fatal(err)
		}
		if err := ExportWAV(f, []float32{0.5, 0.5, 0.25, 0.25}, rate); err != nil {
			t.Fatalf("export %s: %v", v, err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audio.SampleRate = 8000
	cfg.Kit.Dir = filepath.Join(dir, "kit")
	cfg.Kit.Voices = []samples.VoiceSpec{
		{ID: "kick", Location: "kick.wav"},
		{ID: "snare", Location: "snare.wav"},
		{ID: "hiHatClosed", Location: "hiHatClosed.wav"},
	}
	cfg.PatternFile = filepath.Join(dir, "beatgrid.json")
	writeKit(t, cfg.Kit.Dir, 8000, "kick", "snare", "hiHatClosed")
	return cfg
}

func TestMachineStartsWithScaffold(t *testing.T) {
	m, err := NewMachine(testConfig(t))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	defer m.Close()
	g := m.Grid()
	if len(g.Tracks) != 3 || g.Steps() != 16 {
		t.Fatalf("scaffold = %d x %d", len(g.Tracks), g.Steps())
	}
	if m.Queue().Len() != 16 {
		t.Fatalf("queue has %d beats", m.Queue().Len())
	}
	if m.Tempo() != pattern.DefaultTempo() {
		t.Fatalf("tempo = %+v", m.Tempo())
	}
}

func TestMachinePlayNeedsActivation(t *testing.T) {
	m, err := NewMachine(testConfig(t))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	defer m.Close()
	if m.Ready() {
		t.Fatalf("machine should start without audio output")
	}
	if err := m.Play(); !errors.Is(err, intaudio.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	if n := m.Panic(); n != 0 {
		t.Fatalf("idle panic dropped %d", n)
	}
}

func TestMachinePersistsEdits(t *testing.T) {
	cfg := testConfig(t)
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if on, err := m.Toggle(1, 4); err != nil || !on {
		t.Fatalf("toggle = %v, %v", on, err)
	}
	if err := m.SetBPM(95); err != nil {
		t.Fatalf("set bpm: %v", err)
	}
	if _, err := m.Toggle(7, 0); !errors.Is(err, pattern.ErrTrackRange) {
		t.Fatalf("expected ErrTrackRange, got %v", err)
	}
	m.Close()

	again, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if !again.Grid().Tracks[1].Steps[4] {
		t.Fatalf("toggled step not restored")
	}
	if again.Tempo().BPM != 95 || again.Tempo().Bars != 4 {
		t.Fatalf("tempo not restored: %+v", again.Tempo())
	}
}

func TestMachineWithoutPersistence(t *testing.T) {
	cfg := testConfig(t)
	m, err := NewMachine(cfg, WithoutPersistence())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	defer m.Close()
	if _, err := m.Toggle(0, 0); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := os.Stat(cfg.PatternFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pattern file written despite WithoutPersistence: %v", err)
	}
}

func TestMachineReportsMissingVoice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Kit.Voices = append(cfg.Kit.Voices, samples.VoiceSpec{ID: "cowbell", Location: "cowbell.wav"})
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	defer m.Close()
	events := m.Watch()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = m.LoadSamples(ctx)
	var le *samples.LoadError
	if !errors.As(err, &le) || le.Voice != "cowbell" {
		t.Fatalf("expected cowbell load error, got %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != EventLoadFailed || ev.Voice != "cowbell" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no load failure event")
	}
	if _, err := m.Library().Buffer("kick"); err != nil {
		t.Fatalf("kick should still load: %v", err)
	}
}

func TestMachineRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timing.TickInterval = time.Second
	if _, err := NewMachine(cfg); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestMachineCloseIsFinal(t *testing.T) {
	m, err := NewMachine(testConfig(t))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Activate(); !errors.Is(err, intaudio.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
