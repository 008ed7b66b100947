package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadThroughCache_FetchesOnceThenServesCached(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, input int) (string, error) {
		calls++
		return "issue-body", nil
	}

	mgr := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[string, string, int](mgr, fetch, false)

	ctx := context.Background()
	v, err := rtc.Get(ctx, "issue:42", 42, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "issue-body", v)

	v, err = rtc.Get(ctx, "issue:42", 42, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "issue-body", v)
	require.Equal(t, 1, calls)
}

func TestReadThroughCache_ErrorsAreNotCached(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, input int) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}

	mgr := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[string, string, int](mgr, fetch, false)

	ctx := context.Background()
	_, err := rtc.Get(ctx, "k", 0, time.Minute)
	require.Error(t, err)

	v, err := rtc.Get(ctx, "k", 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, calls)
}

func TestReadThroughCache_SkipCacheAlwaysFetches(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, input int) (string, error) {
		calls++
		return "v", nil
	}

	mgr := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[string, string, int](mgr, fetch, true)

	ctx := context.Background()
	_, _ = rtc.Get(ctx, "k", 0, time.Minute)
	_, _ = rtc.Get(ctx, "k", 0, time.Minute)
	require.Equal(t, 2, calls)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	mgr := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	mgr.Set(ctx, "a", 1, time.Minute)
	mgr.Set(ctx, "b", 2, time.Minute)

	require.NoError(t, mgr.Delete(ctx, "a"))
	_, ok := mgr.Get(ctx, "a")
	require.False(t, ok)

	require.NoError(t, mgr.Flush(ctx))
	_, ok = mgr.Get(ctx, "b")
	require.False(t, ok)
}
