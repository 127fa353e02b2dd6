package statestore_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbots/machinist/internal/statestore"
)

func newTestStore(t *testing.T) *statestore.SQLite {
	t.Helper()

	s, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGetFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetFields(ctx, "execution:e1", map[string]string{
		"status":     "queued",
		"script_ref": "demo.robot",
	}))

	value, ok, err := s.GetField(ctx, "execution:e1", "status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "queued", value)

	_, ok, err = s.GetField(ctx, "execution:e1", "pid")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.GetAll(ctx, "execution:e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"status":     "queued",
		"script_ref": "demo.robot",
	}, all)
}

func TestGetAllMissingKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	all, err := s.GetAll(ctx, "execution:nope")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSetFieldsOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetFields(ctx, "streaming:state", map[string]string{
		"state": "idle",
	}))
	require.NoError(t, s.SetFields(ctx, "streaming:state", map[string]string{
		"state": "starting",
		"fps":   "15",
	}))

	all, err := s.GetAll(ctx, "streaming:state")
	require.NoError(t, err)
	assert.Equal(t, "starting", all["state"])
	assert.Equal(t, "15", all["fps"])
}

func TestDeleteKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetFields(ctx, "execution:e1", map[string]string{
		"status": "completed",
	}))
	require.NoError(t, s.DeleteKey(ctx, "execution:e1"))

	_, ok, err := s.GetField(ctx, "execution:e1", "status")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, s.DeleteKey(ctx, "execution:e1"))
}

func TestCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("absent field matches empty expected", func(t *testing.T) {
		swapped, err := s.CompareAndSet(
			ctx, "streaming:state", "state", "", "starting",
		)
		require.NoError(t, err)
		assert.True(t, swapped)
	})

	t.Run("wrong expected value is rejected", func(t *testing.T) {
		swapped, err := s.CompareAndSet(
			ctx, "streaming:state", "state", "idle", "starting",
		)
		require.NoError(t, err)
		assert.False(t, swapped)

		value, _, err := s.GetField(ctx, "streaming:state", "state")
		require.NoError(t, err)
		assert.Equal(t, "starting", value)
	})

	t.Run("matching expected value swaps", func(t *testing.T) {
		swapped, err := s.CompareAndSet(
			ctx, "streaming:state", "state", "starting", "active",
		)
		require.NoError(t, err)
		assert.True(t, swapped)
	})
}

func TestCompareAndSetSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetFields(ctx, "streaming:state", map[string]string{
		"state": "idle",
	}))

	const contenders = 16

	var wg sync.WaitGroup
	wins := make(chan struct{}, contenders)

	for range contenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			swapped, err := s.CompareAndSet(
				ctx, "streaming:state", "state", "idle", "starting",
			)
			if err != nil {
				t.Error(err)
				return
			}

			if swapped {
				wins <- struct{}{}
			}
		}()
	}

	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one contender should win the swap")
}

func TestKeysPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, key := range []string{
		"execution:a", "execution:b", "streaming:state",
	} {
		require.NoError(t, s.SetFields(ctx, key, map[string]string{"x": "1"}))
	}

	keys, err := s.Keys(ctx, "execution:")
	require.NoError(t, err)
	assert.Equal(t, []string{"execution:a", "execution:b"}, keys)
}

func TestDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := statestore.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetFields(ctx, "execution:e1", map[string]string{
		"status": "running",
		"pid":    "1234",
	}))
	require.NoError(t, s.Close())

	s, err = statestore.Open(path)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.GetAll(ctx, "execution:e1")
	require.NoError(t, err)
	assert.Equal(t, "running", all["status"])
	assert.Equal(t, "1234", all["pid"])
}
