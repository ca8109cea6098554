package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hupe1980/skydrift/codec"
	"github.com/hupe1980/skydrift/internal/fs"
)

const fileExt = ".skd"

// LocalOptions configure a Local store.
type LocalOptions struct {
	// Codec selects payload compression. Defaults to codec.Default.
	Codec codec.Codec
	// FS allows injecting a filesystem (fault injection in tests).
	FS fs.FileSystem
	// WriteLimiter throttles artifact writes in bytes per second.
	// Nil means unlimited.
	WriteLimiter *rate.Limiter
}

// Local implements Store on the local filesystem.
//
// Writes are atomic: the encoded artifact is written to a temporary file,
// synced, and renamed over the final path. Concurrent readers therefore never
// observe a partially written artifact. Each artifact key is written by exactly
// one worker (modes are statically partitioned), so there is no write
// contention on a given path.
type Local struct {
	root    string
	codec   codec.Codec
	fs      fs.FileSystem
	limiter *rate.Limiter
}

// NewLocal creates a Local store rooted at the given directory, creating it if
// needed.
func NewLocal(root string, optFns ...func(o *LocalOptions)) (*Local, error) {
	opts := LocalOptions{
		Codec: codec.Default,
		FS:    fs.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	if err := opts.FS.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create cache root: %w", err)
	}

	return &Local{
		root:    root,
		codec:   opts.Codec,
		fs:      opts.FS,
		limiter: opts.WriteLimiter,
	}, nil
}

// Root returns the cache root directory.
func (s *Local) Root() string { return s.root }

func (s *Local) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("artifact: invalid artifact name %q", name)
	}
	return filepath.Join(s.root, clean) + fileExt, nil
}

// Exists implements Store.
func (s *Local) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	if _, err := s.fs.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load implements Store.
func (s *Local) Load(_ context.Context, name string) (*Artifact, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("artifact: open %q: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %q: %w", name, err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("artifact: decode %q: %w", name, err)
	}
	return a, nil
}

// Store implements Store.
func (s *Local) Store(ctx context.Context, name string, a *Artifact) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := Encode(a, s.codec)
	if err != nil {
		return fmt.Errorf("artifact: encode %q: %w", name, err)
	}

	if err := s.throttle(ctx, len(data)); err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("artifact: create artifact directory: %w", err)
	}

	tmp := p + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("artifact: create temp for %q: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("artifact: write %q: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("artifact: sync %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("artifact: close %q: %w", name, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("artifact: publish %q: %w", name, err)
	}
	return nil
}

// List implements Store.
func (s *Local) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, fileExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(strings.TrimSuffix(rel, fileExt))
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// throttle waits for write budget when an IO limiter is configured. Large
// payloads are split into burst-sized waits.
func (s *Local) throttle(ctx context.Context, n int) error {
	if s.limiter == nil {
		return nil
	}
	burst := s.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := s.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("artifact: io throttle: %w", err)
		}
		n -= chunk
	}
	return nil
}
