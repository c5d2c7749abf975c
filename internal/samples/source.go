package samples

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Source resolves a voice's location to its raw audio data.
type Source interface {
	Open(ctx context.Context, location string) (io.ReadSeekCloser, error)
}

// DirSource reads sample files relative to a root directory. Absolute
// locations are used as-is.
type DirSource struct {
	Root string
}

func (s DirSource) Open(ctx context.Context, location string) (io.ReadSeekCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := location
	if !filepath.IsAbs(path) && s.Root != "" {
		path = filepath.Join(s.Root, path)
	}
	return os.Open(path)
}

// FSSource reads sample files from an fs.FS such as an embed.FS.
type FSSource struct {
	FS fs.FS
}

func (s FSSource) Open(ctx context.Context, location string) (io.ReadSeekCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.FS.Open(location)
	if err != nil {
		return nil, err
	}
	if rs, ok := f.(io.ReadSeekCloser); ok {
		return rs, nil
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return nopCloser{bytes.NewReader(data)}, nil
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }
