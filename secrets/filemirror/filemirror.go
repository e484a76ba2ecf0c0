// Package filemirror persists captured client secrets to a YAML file in the
// same format the gateway reads secret sources from:
//
//	client_secrets:
//	  - first
//	  - second
//
// Appends are read-modify-write cycles guarded by an advisory lock on a
// sibling ".lock" file, so several gateway processes sharing a volume do not
// lose each other's updates. The file is replaced atomically.
package filemirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ggoodman/mcp-gateway/secrets"
)

// DefaultPath is where captured secrets are written when no secrets file is configured.
const DefaultPath = "/etc/mcp/secrets/dcr-captured-secrets.yaml"

// Option configures a Mirror.
type Option func(*Mirror)

// WithLockRetry sets the interval between lock attempts.
func WithLockRetry(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.retry = d
		}
	}
}

// Mirror is a secrets.Mirror backed by a YAML file.
type Mirror struct {
	mu    sync.Mutex // flock is not exclusive between goroutines sharing one handle
	path  string
	lock  *flock.Flock
	retry time.Duration
}

// New returns a Mirror writing to path. The file need not exist.
func New(path string, opts ...Option) *Mirror {
	m := &Mirror{
		path:  path,
		lock:  flock.New(path + ".lock"),
		retry: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the file written by the mirror.
func (m *Mirror) Path() string { return m.path }

// Load returns the persisted secrets. A missing file yields none.
func (m *Mirror) Load(ctx context.Context) ([]string, error) {
	found, err := secrets.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return found, err
}

// Append adds rec.Secret to the file unless already present.
func (m *Mirror) Append(ctx context.Context, rec secrets.Record) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return false, fmt.Errorf("filemirror: create dir: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	locked, err := m.lock.TryLockContext(ctx, m.retry)
	if err != nil {
		return false, fmt.Errorf("filemirror: lock: %w", err)
	}
	if !locked {
		return false, errors.New("filemirror: lock not acquired")
	}
	defer func() { _ = m.lock.Unlock() }()

	existing, err := m.Load(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(existing, rec.Secret) {
		return false, nil
	}
	b, err := secrets.Marshal(append(existing, rec.Secret))
	if err != nil {
		return false, err
	}
	if err := writeAtomic(m.path, b); err != nil {
		return false, err
	}
	return true, nil
}

// Close is a no-op; the lock is only held during Append.
func (m *Mirror) Close() error { return nil }

func writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("filemirror: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filemirror: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("filemirror: replace: %w", err)
	}
	return nil
}

var _ secrets.Mirror = (*Mirror)(nil)
