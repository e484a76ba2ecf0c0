// Package secrets holds the OAuth client secrets the gateway uses to
// decrypt JWE access tokens.
//
// A Store is an insertion-ordered, de-duplicated set kept in memory. It is
// seeded from YAML files (typically a mounted Kubernetes Secret) and grows
// when the registration proxy captures a secret from a dynamic client
// registration. Captured secrets are written through to an optional Mirror
// so they survive restarts; the in-memory set stays authoritative even when
// that write fails.
package secrets

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Record is a captured client secret with the registration it came from.
type Record struct {
	Secret     string
	ClientID   string
	CapturedAt time.Time
}

// Mirror is a durable copy of captured secrets.
type Mirror interface {
	// Load returns every persisted secret in insertion order.
	Load(ctx context.Context) ([]string, error)
	// Append persists rec unless its secret is already present. It reports
	// whether anything was written.
	Append(ctx context.Context, rec Record) (bool, error)
	// Close releases resources held by the mirror.
	Close() error
}

// Follower is implemented by mirrors that stream secrets captured by other
// gateway replicas.
type Follower interface {
	// Position returns a cursor at the current end of the stream.
	Position(ctx context.Context) (string, error)
	// Follow calls fn for every secret captured after pos. An empty pos
	// starts from the oldest retained event. It blocks until ctx is done.
	Follow(ctx context.Context, pos string, fn func(secret string)) error
}

// PersistObserver is notified after each Persist attempt.
type PersistObserver func(written bool, err error)

// Option configures a Store.
type Option func(*Store)

// WithMirror sets the durable mirror used by Persist and LoadMirror.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithPersistObserver registers a callback for persistence outcomes.
func WithPersistObserver(o PersistObserver) Option {
	return func(s *Store) { s.observer = o }
}

// Store is safe for concurrent use. Readers never block on writers.
type Store struct {
	mu   sync.Mutex // serializes writers of snap
	snap atomic.Pointer[[]string]

	persistMu sync.Mutex
	mirror    Mirror
	log       *slog.Logger
	observer  PersistObserver
	now       func() time.Time
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	empty := []string{}
	s.snap.Store(&empty)
	return s
}

// Secrets returns the current secrets in insertion order. The returned
// slice is shared and must not be modified.
func (s *Store) Secrets() []string { return *s.snap.Load() }

// Len returns the number of secrets.
func (s *Store) Len() int { return len(*s.snap.Load()) }

// Contains reports whether secret is present.
func (s *Store) Contains(secret string) bool {
	return slices.Contains(*s.snap.Load(), secret)
}

// Add inserts secret if it is non-empty and not already present. It
// reports whether the set changed.
func (s *Store) Add(secret string) bool {
	return s.AddAll([]string{secret}) == 1
}

// AddAll inserts every new non-empty secret and returns how many were added.
func (s *Store) AddAll(secrets []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.snap.Load()
	next := cur
	added := 0
	for _, sec := range secrets {
		if sec == "" || slices.Contains(next, sec) {
			continue
		}
		if added == 0 {
			next = slices.Clone(cur)
		}
		next = append(next, sec)
		added++
	}
	if added > 0 {
		s.snap.Store(&next)
	}
	return added
}

// Load reads each YAML source in order and merges its secrets into the
// store. Missing or unreadable sources are logged and skipped. It returns
// the number of secrets added.
func (s *Store) Load(ctx context.Context, paths ...string) int {
	total := 0
	for _, p := range paths {
		if p == "" {
			continue
		}
		found, err := ReadFile(p)
		if err != nil {
			s.log.WarnContext(ctx, "secrets.load.skip", slog.String("path", p), slog.String("err", err.Error()))
			continue
		}
		n := s.AddAll(found)
		total += n
		s.log.InfoContext(ctx, "secrets.load.ok", slog.String("path", p), slog.Int("found", len(found)), slog.Int("added", n))
	}
	return total
}

// LoadMirror merges the secrets already persisted in the mirror.
func (s *Store) LoadMirror(ctx context.Context) int {
	if s.mirror == nil {
		return 0
	}
	found, err := s.mirror.Load(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "secrets.mirror.load.fail", slog.String("err", err.Error()))
		return 0
	}
	n := s.AddAll(found)
	s.log.InfoContext(ctx, "secrets.mirror.load.ok", slog.Int("found", len(found)), slog.Int("added", n))
	return n
}

// Persist writes secret through to the mirror. It never fails: errors are
// logged and the in-memory set is unaffected. Calls are serialized so
// concurrent registrations cannot lose each other's updates.
func (s *Store) Persist(ctx context.Context, secret, clientID string) {
	if s.mirror == nil || secret == "" {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	written, err := s.mirror.Append(ctx, Record{Secret: secret, ClientID: clientID, CapturedAt: s.now()})
	if s.observer != nil {
		s.observer(written, err)
	}
	switch {
	case err != nil:
		s.log.WarnContext(ctx, "secrets.persist.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
	case written:
		s.log.InfoContext(ctx, "secrets.persist.ok", slog.String("client_id", clientID))
	default:
		s.log.DebugContext(ctx, "secrets.persist.exists", slog.String("client_id", clientID))
	}
}

// Follow merges secrets captured by other replicas as they arrive. The
// stream position is taken before the mirror is reloaded, so a secret
// captured while the follower starts is seen by one or the other. It
// returns immediately when the mirror cannot stream, otherwise it blocks
// until ctx is done.
func (s *Store) Follow(ctx context.Context) error {
	f, ok := s.mirror.(Follower)
	if !ok {
		return nil
	}
	pos, err := f.Position(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.WarnContext(ctx, "secrets.follow.position.fail", slog.String("err", err.Error()))
		pos = ""
	}
	s.LoadMirror(ctx)
	s.log.InfoContext(ctx, "secrets.follow.start", slog.String("pos", pos))
	return f.Follow(ctx, pos, func(secret string) {
		if s.Add(secret) {
			s.log.InfoContext(ctx, "secrets.follow.add", slog.Int("count", s.Len()))
		}
	})
}

// Close closes the mirror, if any.
func (s *Store) Close() error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.Close()
}
