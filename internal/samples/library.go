package samples

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownVoice   = errors.New("unknown voice")
	ErrNotLoaded      = errors.New("voice not loaded yet")
	ErrDuplicateVoice = errors.New("duplicate voice id")
)

// VoiceSpec names an instrument voice and where its sample lives.
type VoiceSpec struct {
	ID       string `yaml:"id" json:"id"`
	Location string `yaml:"path" json:"path"`
}

// LoadError reports a voice whose sample could not be fetched or decoded.
// The voice stays silent; other voices are unaffected.
type LoadError struct {
	Voice    string
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load voice %q from %s: %v", e.Voice, e.Location, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type Option func(*libraryConfig)

type libraryConfig struct {
	sampleRate  int
	concurrency int
	logger      *zap.Logger
	onLoadError func(*LoadError)
	ctx         context.Context
}

func defaultLibraryConfig() libraryConfig {
	return libraryConfig{
		sampleRate:  48000,
		concurrency: 4,
		logger:      zap.NewNop(),
		ctx:         context.Background(),
	}
}

// WithSampleRate sets the rate every decoded buffer is converted to.
func WithSampleRate(rate int) Option {
	return func(cfg *libraryConfig) {
		cfg.sampleRate = rate
	}
}

// WithConcurrency caps how many voices are fetched at once.
func WithConcurrency(n int) Option {
	return func(cfg *libraryConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *libraryConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithOnLoadError installs a hook called once per failed voice fetch. It runs
// on a loader goroutine.
func WithOnLoadError(fn func(*LoadError)) Option {
	return func(cfg *libraryConfig) {
		cfg.onLoadError = fn
	}
}

// WithContext sets the context background loads run under. Cancelling it
// aborts fetches still in flight.
func WithContext(ctx context.Context) Option {
	return func(cfg *libraryConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

type voice struct {
	spec VoiceSpec
	buf  atomic.Pointer[Buffer]
	err  atomic.Pointer[LoadError]
}

// Library loads and caches the decoded buffer of every voice. Loading happens
// once, in the background; until it completes Loaded reports false.
type Library struct {
	src    Source
	cfg    libraryConfig
	log    *zap.Logger
	voices map[string]*voice
	order  []string

	mu      sync.Mutex
	done    chan struct{}
	loading atomic.Bool
	loaded  atomic.Bool
	flight  singleflight.Group
}

// NewLibrary registers one stub voice per spec. Nothing is fetched until
// EnsureLoaded or Load is called.
func NewLibrary(src Source, specs []VoiceSpec, opts ...Option) (*Library, error) {
	if src == nil {
		return nil, errors.New("samples: nil source")
	}
	cfg := defaultLibraryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Library{
		src:    src,
		cfg:    cfg,
		log:    cfg.logger.Named("samples"),
		voices: make(map[string]*voice, len(specs)),
	}
	for _, s := range specs {
		if _, ok := l.voices[s.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateVoice, s.ID)
		}
		l.voices[s.ID] = &voice{spec: s}
		l.order = append(l.order, s.ID)
	}
	return l, nil
}

func (l *Library) SampleRate() int { return l.cfg.sampleRate }

// Voices returns the registered voice ids in registration order.
func (l *Library) Voices() []string {
	return append([]string(nil), l.order...)
}

// Loaded reports whether the initial load has completed. Individual voices
// may still be missing; see Err.
func (l *Library) Loaded() bool { return l.loaded.Load() }

// EnsureLoaded starts the background load unless it already ran or is
// running. It never blocks on I/O.
func (l *Library) EnsureLoaded() {
	if l.loaded.Load() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded.Load() || l.loading.Load() {
		return
	}
	l.startLocked()
}

// Retry refetches voices whose buffer is still absent. Cached voices are not
// fetched again. It reports false when a load is already in flight.
func (l *Library) Retry() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loading.Load() {
		return false
	}
	l.startLocked()
	return true
}

// Load starts loading if needed and waits for it to finish. It returns the
// combined per-voice failures, or ctx's error if ctx ends first.
func (l *Library) Load(ctx context.Context) error {
	l.EnsureLoaded()
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.Err()
}

func (l *Library) startLocked() {
	l.loading.Store(true)
	done := make(chan struct{})
	l.done = done
	go l.load(done)
}

func (l *Library) load(done chan struct{}) {
	var g errgroup.Group
	g.SetLimit(l.cfg.concurrency)
	pending := 0
	for _, id := range l.order {
		v := l.voices[id]
		if v.buf.Load() != nil {
			continue
		}
		pending++
		g.Go(func() error {
			l.fetch(v)
			return nil
		})
	}
	_ = g.Wait()
	l.log.Debug("sample load finished", zap.Int("fetched", pending), zap.Int("voices", len(l.order)))

	l.mu.Lock()
	l.loaded.Store(true)
	l.loading.Store(false)
	close(done)
	l.mu.Unlock()
}

func (l *Library) fetch(v *voice) {
	res, err, _ := l.flight.Do(v.spec.ID, func() (any, error) {
		if b := v.buf.Load(); b != nil {
			return b, nil
		}
		rc, err := l.src.Open(l.cfg.ctx, v.spec.Location)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return DecodeWAV(rc, l.cfg.sampleRate)
	})
	if err != nil {
		le := &LoadError{Voice: v.spec.ID, Location: v.spec.Location, Err: err}
		v.err.Store(le)
		l.log.Warn("voice unavailable",
			zap.String("voice", v.spec.ID),
			zap.String("location", v.spec.Location),
			zap.Error(err))
		if l.cfg.onLoadError != nil {
			l.cfg.onLoadError(le)
		}
		return
	}
	buf := res.(*Buffer)
	// Write once: a buffer already stored by an earlier load wins.
	v.buf.CompareAndSwap(nil, buf)
	v.err.Store(nil)
	l.log.Debug("voice loaded",
		zap.String("voice", v.spec.ID),
		zap.Int("frames", buf.Frames()),
		zap.Duration("length", buf.Duration()))
}

// Buffer returns the decoded sample for id. A voice that failed to load
// returns its *LoadError.
func (l *Library) Buffer(id string) (*Buffer, error) {
	v, ok := l.voices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVoice, id)
	}
	if b := v.buf.Load(); b != nil {
		return b, nil
	}
	if le := v.err.Load(); le != nil {
		return nil, le
	}
	return nil, fmt.Errorf("%w: %q", ErrNotLoaded, id)
}

// Err combines the load failures of every voice still missing a buffer.
func (l *Library) Err() error {
	var err error
	for _, id := range l.order {
		if le := l.voices[id].err.Load(); le != nil {
			err = multierr.Append(err, le)
		}
	}
	return err
}
