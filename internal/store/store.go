// Package store persists the edited pattern between sessions.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cbegin/beatgrid-go/internal/pattern"
)

const formatVersion = 1

var ErrVersion = errors.New("unsupported pattern file version")

// document is the on-disk form: the tempo plus the ordered tracks.
type document struct {
	Version int             `json:"version"`
	Tempo   pattern.Tempo   `json:"tempo"`
	Tracks  []pattern.Track `json:"tracks"`
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Store reads and writes one pattern file.
type Store struct {
	path string
	log  *zap.Logger
}

func New(path string, opts ...Option) *Store {
	s := &Store{path: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("store")
	return s
}

func (s *Store) Path() string { return s.path }

// Load returns the saved grid and tempo. When the file does not exist yet it
// returns a scaffolded empty grid laid out for fallback.
func (s *Store) Load(fallback pattern.Tempo) (*pattern.Grid, pattern.Tempo, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug("no saved pattern, scaffolding", zap.String("path", s.path))
		return pattern.Scaffold(fallback.Bars, fallback.BeatsPerBar), fallback, nil
	}
	if err != nil {
		return nil, pattern.Tempo{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, pattern.Tempo{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Version != formatVersion {
		return nil, pattern.Tempo{}, fmt.Errorf("%w: %d", ErrVersion, doc.Version)
	}
	g := &pattern.Grid{Tracks: doc.Tracks}
	if err := g.Validate(); err != nil {
		return nil, pattern.Tempo{}, fmt.Errorf("%s: %w", s.path, err)
	}
	if err := doc.Tempo.Validate(); err != nil {
		return nil, pattern.Tempo{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return g, doc.Tempo, nil
}

// Save replaces the file atomically, so a crash mid-write leaves the previous
// pattern intact.
func (s *Store) Save(g *pattern.Grid, t pattern.Tempo) error {
	data, err := json.MarshalIndent(document{
		Version: formatVersion,
		Tempo:   t,
		Tracks:  g.Tracks,
	}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".beatgrid-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.log.Debug("pattern saved", zap.String("path", s.path), zap.Int("tracks", len(g.Tracks)))
	return nil
}
