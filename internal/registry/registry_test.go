package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(sid, pid string) storage.TaskKey {
	return storage.TaskKey{SourceID: sid, PartID: pid}
}

func TestRegister(t *testing.T) {
	reg := NewTaskRegistry(context.Background())

	ctx, err := reg.Register(key("BV1", "100"))
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 1, reg.Len())

	// 同一个键不能重复注册
	_, err = reg.Register(key("BV1", "100"))
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	_, err = reg.Register(key("BV1", "101"))
	assert.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
}

func TestCancel(t *testing.T) {
	reg := NewTaskRegistry(context.Background())
	k := key("BV1", "100")

	ctx, err := reg.Register(k)
	require.NoError(t, err)

	assert.True(t, reg.Cancel(k))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, reg.Has(k))

	assert.False(t, reg.Cancel(k), "second cancel finds nothing")
	assert.False(t, reg.Cancel(key("missing", "1")))

	// 取消后可以重新注册
	_, err = reg.Register(k)
	assert.NoError(t, err)
}

func TestProgress(t *testing.T) {
	reg := NewTaskRegistry(context.Background())
	k := key("BV1", "100")

	reg.UpdateProgress(k, 50)
	_, ok := reg.Progress(k)
	assert.False(t, ok, "update on absent key is a no-op")

	_, err := reg.Register(k)
	require.NoError(t, err)

	p, ok := reg.Progress(k)
	require.True(t, ok)
	assert.Equal(t, 0, p)

	reg.UpdateProgress(k, 42)
	p, _ = reg.Progress(k)
	assert.Equal(t, 42, p)
	assert.Equal(t, map[string]int{"BV1-100": 42}, reg.Snapshot())
}

func TestKeys(t *testing.T) {
	reg := NewTaskRegistry(context.Background())
	for _, pid := range []string{"3", "1", "2"} {
		_, err := reg.Register(key("BV1", pid))
		require.NoError(t, err)
	}

	assert.Equal(t, []storage.TaskKey{key("BV1", "1"), key("BV1", "2"), key("BV1", "3")}, reg.Keys())
}

func TestUnregisterAndRelease(t *testing.T) {
	reg := NewTaskRegistry(context.Background())
	k := key("BV1", "100")

	t.Run("Unregister", func(t *testing.T) {
		ctx, err := reg.Register(k)
		require.NoError(t, err)
		reg.Unregister(k)
		assert.False(t, reg.Has(k))
		assert.Error(t, ctx.Err())
		reg.Unregister(k)
	})

	t.Run("Release ignores a newer registration", func(t *testing.T) {
		oldCtx, err := reg.Register(k)
		require.NoError(t, err)
		require.True(t, reg.Cancel(k))

		newCtx, err := reg.Register(k)
		require.NoError(t, err)

		assert.False(t, reg.Release(oldCtx, k))
		assert.True(t, reg.Has(k))
		assert.NoError(t, newCtx.Err())

		assert.True(t, reg.Release(newCtx, k))
		assert.False(t, reg.Has(k))
		assert.Error(t, newCtx.Err())
	})
}

func TestBaseContext(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	reg := NewTaskRegistry(base)

	ctx, err := reg.Register(key("BV1", "1"))
	require.NoError(t, err)
	cancel()
	assert.Error(t, ctx.Err())
}

func TestCancelAll(t *testing.T) {
	reg := NewTaskRegistry(context.Background())
	var ctxs []context.Context
	for i := 0; i < 3; i++ {
		ctx, err := reg.Register(key("BV1", fmt.Sprint(i)))
		require.NoError(t, err)
		ctxs = append(ctxs, ctx)
	}

	assert.Equal(t, 3, reg.CancelAll())
	assert.Equal(t, 0, reg.Len())
	for _, ctx := range ctxs {
		assert.Error(t, ctx.Err())
	}
}

func TestConcurrentRegister(t *testing.T) {
	reg := NewTaskRegistry(context.Background())
	k := key("BV1", "100")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Register(k); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
			reg.UpdateProgress(k, 10)
			reg.Progress(k)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, reg.Len())
}
