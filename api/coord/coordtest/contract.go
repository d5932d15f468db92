// Package coordtest holds the behavioural contract every coord.Store
// backend must satisfy.
package coordtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skald/api/coord"
)

// Factory returns a store and a root path that is empty and private to the
// calling test.
type Factory func(t *testing.T) (coord.Store, string)

// Run exercises a Store implementation.
func Run(t *testing.T, factory Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s, root := factory(t)
		_, _, err := s.Get(context.Background(), root+"/missing")
		assert.True(t, errors.Is(err, coord.ErrNotFound), "got %v", err)
	})

	t.Run("CreateOnly", func(t *testing.T) {
		s, root := factory(t)
		ctx := context.Background()
		path := root + "/node"

		require.NoError(t, s.CompareAndSet(ctx, path, 0, []byte("a")))
		err := s.CompareAndSet(ctx, path, 0, []byte("b"))
		assert.True(t, errors.Is(err, coord.ErrConflict), "got %v", err)

		value, version, err := s.Get(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "a", string(value))
		assert.NotZero(t, version)
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		s, root := factory(t)
		ctx := context.Background()
		path := root + "/node"

		require.NoError(t, s.CompareAndSet(ctx, path, 0, []byte("v1")))
		_, v1, err := s.Get(ctx, path)
		require.NoError(t, err)

		require.NoError(t, s.CompareAndSet(ctx, path, v1, []byte("v2")))
		value, v2, err := s.Get(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(value))
		assert.NotEqual(t, v1, v2)

		err = s.CompareAndSet(ctx, path, v1, []byte("stale"))
		assert.True(t, errors.Is(err, coord.ErrConflict), "got %v", err)
		value, _, err = s.Get(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(value))

		err = s.CompareAndSet(ctx, root+"/absent", v2, []byte("x"))
		assert.True(t, errors.Is(err, coord.ErrNotFound), "got %v", err)
	})

	t.Run("Children", func(t *testing.T) {
		s, root := factory(t)
		ctx := context.Background()
		for _, p := range []string{"/b/x", "/a", "/c/y/z", "/b/w"} {
			require.NoError(t, s.CompareAndSet(ctx, root+p, 0, []byte("1")))
		}
		names, err := s.Children(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names)

		names, err = s.Children(ctx, root+"/b")
		require.NoError(t, err)
		assert.Equal(t, []string{"w", "x"}, names)

		names, err = s.Children(ctx, root+"/none")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("Delete", func(t *testing.T) {
		s, root := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSet(ctx, root+"/g/status", 0, []byte("1")))
		require.NoError(t, s.CompareAndSet(ctx, root+"/g/history/1", 0, []byte("1")))
		require.NoError(t, s.CompareAndSet(ctx, root+"/h/status", 0, []byte("1")))

		require.NoError(t, s.Delete(ctx, root+"/g/history/1"))
		require.NoError(t, s.Delete(ctx, root+"/g/history/1"))
		_, _, err := s.Get(ctx, root+"/g/history/1")
		assert.True(t, errors.Is(err, coord.ErrNotFound))

		require.NoError(t, s.DeleteTree(ctx, root+"/g"))
		_, _, err = s.Get(ctx, root+"/g/status")
		assert.True(t, errors.Is(err, coord.ErrNotFound))
		_, _, err = s.Get(ctx, root+"/h/status")
		assert.NoError(t, err)
	})

	t.Run("Watch", func(t *testing.T) {
		s, root := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		path := root + "/w/status"

		index, err := s.Watch(ctx, path, 0)
		require.NoError(t, err)

		done := make(chan uint64, 1)
		go func() {
			next, err := s.Watch(ctx, path, index)
			if err == nil {
				done <- next
			}
		}()

		select {
		case <-done:
			t.Fatal("watch returned before any change")
		case <-time.After(200 * time.Millisecond):
		}

		require.NoError(t, s.CompareAndSet(ctx, root+"/w/other", 0, []byte("x")))
		require.NoError(t, s.CompareAndSet(ctx, path, 0, []byte("x")))
		select {
		case next := <-done:
			assert.Greater(t, next, index)
		case <-ctx.Done():
			t.Fatal("watch did not fire")
		}
	})

	t.Run("WatchCancel", func(t *testing.T) {
		s, root := factory(t)
		ctx, cancel := context.WithCancel(context.Background())
		index, err := s.Watch(ctx, root, 0)
		require.NoError(t, err)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err = s.Watch(ctx, root, index)
		assert.Error(t, err)
	})
}
