package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/apperr"
	"github.com/Tyrowin/livechat/internal/cache"
	"github.com/Tyrowin/livechat/internal/metrics"
	"github.com/Tyrowin/livechat/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// countingCache wraps a real cache and records deletes; it can be told to
// fail every operation.
type countingCache struct {
	cache.Cache
	deletes atomic.Int32
	fail    atomic.Bool
}

var errCacheDown = errors.New("cache down")

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.fail.Load() {
		return nil, false, errCacheDown
	}
	return c.Cache.Get(ctx, key)
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.fail.Load() {
		return errCacheDown
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c *countingCache) Delete(ctx context.Context, key string) error {
	c.deletes.Add(1)
	if c.fail.Load() {
		return errCacheDown
	}
	return c.Cache.Delete(ctx, key)
}

func newTestCache(t *testing.T) *countingCache {
	t.Helper()
	b, err := cache.OpenBadger(discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &countingCache{Cache: b}
}

type fixture struct {
	svc   *Service
	store *store.Store
	cache *countingCache
	m     *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := newTestStore(t)
	c := newTestCache(t)
	m := metrics.New()
	return fixture{svc: NewService(st, c, time.Hour, discardLogger(), m), store: st, cache: c, m: m}
}

func TestSendThenListContainsNewMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	seen := map[int64]bool{}
	for _, content := range []string{"hi", "there", strings.Repeat("x", MaxContentLength)} {
		id, err := f.svc.SendMessage(ctx, content, time.Now(), "alice")
		req.NoError(err)
		req.False(seen[id], "id %d issued twice", id)
		seen[id] = true

		msgs, _, err := f.svc.ListMessages(ctx)
		req.NoError(err)
		req.Equal(id, msgs[len(msgs)-1].ID)
		req.Equal(content, msgs[len(msgs)-1].Content)
	}
}

func TestListMessagesCacheAside(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.SendMessage(ctx, "first", time.Time{}, "alice")
	req.NoError(err)

	msgs, status, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Len(msgs, 1)
	req.False(msgs[0].CreatedAt.IsZero())

	msgs, status, err = f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheHit, status)
	req.Len(msgs, 1)

	_, err = f.svc.SendMessage(ctx, "second", time.Now(), "bob")
	req.NoError(err)

	msgs, status, err = f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Len(msgs, 2)
	req.Equal("second", msgs[1].Content)
}

func TestDeleteIsIdempotentAndInvalidates(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.SendMessage(ctx, "bye", time.Now(), "alice")
	req.NoError(err)
	_, _, err = f.svc.ListMessages(ctx)
	req.NoError(err)

	deleted, err := f.svc.DeleteMessage(ctx, id)
	req.NoError(err)
	req.True(deleted)
	msgs, status, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Empty(msgs)

	deleted, err = f.svc.DeleteMessage(ctx, id)
	req.NoError(err)
	req.False(deleted)
	_, status, err = f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
}

func TestUpdateMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.SendMessage(ctx, "draft", time.Now(), "alice")
	req.NoError(err)
	_, _, err = f.svc.ListMessages(ctx)
	req.NoError(err)

	ok, err := f.svc.UpdateMessage(ctx, id, "final")
	req.NoError(err)
	req.True(ok)

	msgs, status, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Equal("final", msgs[0].Content)
	req.NotNil(msgs[0].UpdatedAt)

	before := f.cache.deletes.Load()
	ok, err = f.svc.UpdateMessage(ctx, id+100, "nobody home")
	req.NoError(err)
	req.False(ok)
	req.Equal(before+1, f.cache.deletes.Load())
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := map[string]struct {
		content   string
		createdBy string
	}{
		"empty":      {"", "alice"},
		"blank":      {"   ", "alice"},
		"too long":   {strings.Repeat("a", MaxContentLength+1), "alice"},
		"no author":  {"hello", ""},
		"long runes": {strings.Repeat("é", MaxContentLength+1), "alice"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tc.content, time.Now(), tc.createdBy)
			require.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}

	t.Run("multibyte at limit is accepted", func(t *testing.T) {
		_, err := f.svc.SendMessage(ctx, strings.Repeat("é", MaxContentLength), time.Now(), "alice")
		require.NoError(t, err)
	})

	t.Run("update validates before touching the store", func(t *testing.T) {
		before := f.cache.deletes.Load()
		_, err := f.svc.UpdateMessage(ctx, 1, "")
		require.True(t, apperr.IsKind(err, apperr.KindValidation))
		require.Equal(t, before, f.cache.deletes.Load())
	})
}

type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) ListMessages(context.Context) ([]store.Message, error) { return nil, errStoreDown }
func (brokenStore) CreateMessage(context.Context, store.NewMessage) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) DeleteMessage(context.Context, int64) (bool, error) { return false, errStoreDown }
func (brokenStore) UpdateMessage(context.Context, int64, string, time.Time) (bool, error) {
	return false, errStoreDown
}

func TestStoreFailuresSurfaceAndLeaveCacheAlone(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newTestCache(t)
	svc := NewService(brokenStore{}, c, time.Hour, discardLogger(), nil)

	_, err := svc.SendMessage(ctx, "hello", time.Now(), "alice")
	req.True(apperr.IsKind(err, apperr.KindStoreUnavailable))
	req.ErrorIs(err, errStoreDown)
	req.Zero(c.deletes.Load())

	_, _, err = svc.ListMessages(ctx)
	req.True(apperr.IsKind(err, apperr.KindStoreUnavailable))

	_, err = svc.DeleteMessage(ctx, 1)
	req.True(apperr.IsKind(err, apperr.KindStoreUnavailable))
	_, err = svc.UpdateMessage(ctx, 1, "x")
	req.True(apperr.IsKind(err, apperr.KindStoreUnavailable))
	req.Zero(c.deletes.Load())
}

func TestCacheFailuresDegradeToStore(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.cache.fail.Store(true)

	id, err := f.svc.SendMessage(ctx, "still works", time.Now(), "alice")
	req.NoError(err)

	msgs, status, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Len(msgs, 1)
	req.Equal(id, msgs[0].ID)
}

func TestCorruptCacheEntryIsTreatedAsMiss(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	req.NoError(f.cache.Set(ctx, cache.MessagesKey, []byte("{not json"), time.Hour))
	msgs, status, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Empty(msgs)
}

// gatedStore pauses the first ListMessages call after it has read its
// snapshot, so a write can commit in between.
type gatedStore struct {
	*store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListMessages(ctx context.Context) ([]store.Message, error) {
	gate := false
	g.once.Do(func() { gate = true })
	msgs, err := g.Store.ListMessages(ctx)
	if gate {
		close(g.entered)
		<-g.release
	}
	return msgs, err
}

func TestStaleSnapshotIsNotCachedAfterConcurrentWrite(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	gs := &gatedStore{Store: newTestStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	c := newTestCache(t)
	svc := NewService(gs, c, time.Hour, discardLogger(), nil)

	type result struct {
		msgs []store.Message
		err  error
	}
	slow := make(chan result, 1)
	go func() {
		msgs, _, err := svc.ListMessages(ctx)
		slow <- result{msgs, err}
	}()

	<-gs.entered
	id, err := svc.SendMessage(ctx, "written mid-read", time.Now(), "alice")
	req.NoError(err)
	close(gs.release)

	r := <-slow
	req.NoError(r.err)
	req.Empty(r.msgs)

	msgs, status, err := svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal(CacheMiss, status)
	req.Len(msgs, 1)
	req.Equal(id, msgs[0].ID)
}

func TestConcurrentWritersAlwaysInvalidate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.SendMessage(ctx, "msg", time.Now(), "alice")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, _, err := f.svc.ListMessages(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, _, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Len(msgs, 20)
}

func TestReturnedMessagesAreCopies(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.SendMessage(ctx, "original", time.Now(), "alice")
	req.NoError(err)
	_, err = f.svc.UpdateMessage(ctx, id, "edited")
	req.NoError(err)

	first, _, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	first[0].Content = "tampered"
	*first[0].UpdatedAt = time.Time{}

	second, _, err := f.svc.ListMessages(ctx)
	req.NoError(err)
	req.Equal("edited", second[0].Content)
	req.False(second[0].UpdatedAt.IsZero())
}
