package metadata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
)

// fakeFetcher serves scripted relying parties and counts fetches
type fakeFetcher struct {
	mu      sync.Mutex
	parties map[string]*RelyingParty
	err     error
	fetches int
}

func (f *fakeFetcher) Fetch(ctx context.Context, entityID string) (*RelyingParty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++

	if f.err != nil {
		return nil, f.err
	}
	rp, ok := f.parties[entityID]
	if !ok {
		return nil, apperrors.MetadataNotFound(entityID)
	}
	return rp, nil
}

func (f *fakeFetcher) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

const spEntityID = "https://sp.example.org/shibboleth"

func newTestResolver(ttl time.Duration) (*Resolver, *fakeFetcher) {
	fetcher := &fakeFetcher{
		parties: map[string]*RelyingParty{
			spEntityID: {EntityID: spEntityID, Enabled: true, ACSURL: "https://sp.example.org/acs"},
		},
	}
	return NewResolver(fetcher, ttl, time.Second, zap.NewNop()), fetcher
}

func TestResolveCachesWithinTTL(t *testing.T) {
	resolver, fetcher := newTestResolver(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rp, err := resolver.Resolve(ctx, spEntityID)
		require.NoError(t, err)
		assert.Equal(t, spEntityID, rp.EntityID)
	}
	assert.Equal(t, 1, fetcher.fetchCount())
}

func TestResolveRefreshesStaleEntry(t *testing.T) {
	resolver, fetcher := newTestResolver(time.Nanosecond)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, spEntityID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = resolver.Resolve(ctx, spEntityID)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.fetchCount())
}

func TestResolveServesStaleWhenSourceUnavailable(t *testing.T) {
	resolver, fetcher := newTestResolver(time.Nanosecond)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, spEntityID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	fetcher.setError(apperrors.MetadataUnavailable(assert.AnError))

	rp, err := resolver.Resolve(ctx, spEntityID)
	require.NoError(t, err)
	assert.Equal(t, spEntityID, rp.EntityID)
}

func TestResolveUnknownEntity(t *testing.T) {
	resolver, _ := newTestResolver(time.Minute)

	_, err := resolver.Resolve(context.Background(), "https://unknown.example.org")
	assert.True(t, apperrors.Is(err, apperrors.ErrMetadataNotFound))
}

func TestDeletedRegistrationDoesNotServeStale(t *testing.T) {
	resolver, fetcher := newTestResolver(time.Nanosecond)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, spEntityID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	fetcher.mu.Lock()
	delete(fetcher.parties, spEntityID)
	fetcher.mu.Unlock()

	// NotFound is authoritative; the cached copy must not mask a deletion
	_, err = resolver.Resolve(ctx, spEntityID)
	assert.True(t, apperrors.Is(err, apperrors.ErrMetadataNotFound))
}

func TestForceRefreshBypassesCache(t *testing.T) {
	resolver, fetcher := newTestResolver(time.Hour)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, spEntityID)
	require.NoError(t, err)

	_, err = resolver.ForceRefresh(ctx, spEntityID)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.fetchCount())
}

func TestConcurrentResolversShareOneFetch(t *testing.T) {
	resolver, fetcher := newTestResolver(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := resolver.Resolve(ctx, spEntityID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Concurrent misses for the same entity collapse into few fetches
	assert.LessOrEqual(t, fetcher.fetchCount(), 3)
}
