package media

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultDir is where LocalStore keeps uploads.
const DefaultDir = "./uploads"

// newID returns a lexically sortable unique id.
func newID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// LocalStore writes uploads to a directory and returns file:// references with
// absolute paths, which a co-located inference server can open directly.
type LocalStore struct {
	dir     string
	maxSize int64
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithMaxSize rejects uploads larger than n bytes. Zero means no limit.
func WithMaxSize(n int64) LocalOption {
	return func(s *LocalStore) { s.maxSize = n }
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string, opts ...LocalOption) (*LocalStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	s := &LocalStore{dir: abs}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StoreUpload classifies filename, then copies r to <id><ext> in the directory.
func (s *LocalStore) StoreUpload(ctx context.Context, r io.Reader, filename string) (Upload, error) {
	kind, mt, err := Classify(filename)
	if err != nil {
		return Upload{}, err
	}
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}

	id := newID()
	path := filepath.Join(s.dir, id+strings.ToLower(filepath.Ext(filename)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, fmt.Errorf("store upload: %w", err)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = fmt.Errorf("upload exceeds %d bytes", s.maxSize)
	}
	if err != nil {
		_ = os.Remove(path)
		return Upload{}, fmt.Errorf("store upload: %w", err)
	}

	return Upload{
		ID:       id,
		Kind:     kind,
		Ref:      "file://" + path,
		MIMEType: mt,
		Size:     n,
	}, nil
}
