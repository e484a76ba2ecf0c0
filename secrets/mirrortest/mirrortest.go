// Package mirrortest is a conformance suite for secrets.Mirror
// implementations.
package mirrortest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/secrets"
)

// Factory returns a fresh, empty mirror for each subtest.
type Factory func(t *testing.T) secrets.Mirror

// RunMirrorTests exercises the secrets.Mirror contract.
func RunMirrorTests(t *testing.T, newMirror Factory) {
	t.Helper()

	t.Run("EmptyLoad", func(t *testing.T) {
		m := newMirror(t)
		defer m.Close()
		got, err := m.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("want no secrets, got %v", got)
		}
	})

	t.Run("AppendPreservesOrder", func(t *testing.T) {
		m := newMirror(t)
		defer m.Close()
		ctx := context.Background()
		for i, s := range []string{"one", "two", "three"} {
			ok, err := m.Append(ctx, secrets.Record{Secret: s, ClientID: fmt.Sprintf("client-%d", i), CapturedAt: time.Now()})
			if err != nil {
				t.Fatalf("Append(%s): %v", s, err)
			}
			if !ok {
				t.Fatalf("Append(%s) reported no write", s)
			}
		}
		got, err := m.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !slices.Equal(got, []string{"one", "two", "three"}) {
			t.Fatalf("Load = %v", got)
		}
	})

	t.Run("AppendIsIdempotent", func(t *testing.T) {
		m := newMirror(t)
		defer m.Close()
		ctx := context.Background()
		rec := secrets.Record{Secret: "dup", ClientID: "c1"}
		if ok, err := m.Append(ctx, rec); err != nil || !ok {
			t.Fatalf("first Append: ok=%v err=%v", ok, err)
		}
		if ok, err := m.Append(ctx, rec); err != nil || ok {
			t.Fatalf("second Append: ok=%v err=%v", ok, err)
		}
		got, _ := m.Load(ctx)
		if len(got) != 1 {
			t.Fatalf("want 1 secret, got %v", got)
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		m := newMirror(t)
		defer m.Close()
		ctx := context.Background()
		const n = 16
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := m.Append(ctx, secrets.Record{Secret: fmt.Sprintf("s-%02d", i), ClientID: fmt.Sprintf("c-%02d", i)}); err != nil {
					t.Errorf("Append: %v", err)
				}
			}(i)
		}
		wg.Wait()
		got, err := m.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != n {
			t.Fatalf("want %d secrets after concurrent appends, got %d", n, len(got))
		}
	})
}
