package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/dify-proxy/internal/dify"
)

type fakeFetcher struct {
	mu    sync.Mutex
	names map[string]string
	fail  map[string]bool
	users []string
}

func (f *fakeFetcher) AppInfo(_ context.Context, apiKey, user string) (*dify.AppInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, user)
	if f.fail[apiKey] {
		return nil, &dify.StatusError{StatusCode: 401, Body: `{"message":"bad key"}`}
	}
	name, ok := f.names[apiKey]
	if !ok {
		return nil, fmt.Errorf("unknown key %s", apiKey)
	}
	return &dify.AppInfo{Name: name}, nil
}

func (f *fakeFetcher) setFail(key string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = fail
}

type errSource struct{ err error }

func (e errSource) Keys(context.Context) ([]string, error) { return nil, e.err }

func newTestRegistry(keys []string, f *fakeFetcher) *Registry {
	return NewRegistry(NewStaticKeySource(keys), f, "default_user", zerolog.Nop())
}

func TestRegistryRefreshAndLookup(t *testing.T) {
	f := &fakeFetcher{
		names: map[string]string{"app-1": "Writer", "app-2": "Coder"},
		fail:  map[string]bool{},
	}
	r := newTestRegistry([]string{"app-1", "app-2"}, f)

	_, ok := r.Lookup("Writer")
	assert.False(t, ok, "empty before first refresh")

	require.NoError(t, r.Refresh(context.Background()))

	key, ok := r.Lookup("Writer")
	require.True(t, ok)
	assert.Equal(t, "app-1", key)

	key, ok = r.Lookup("Coder")
	require.True(t, ok)
	assert.Equal(t, "app-2", key)

	assert.Equal(t, []string{"Coder", "Writer"}, r.Names())
	for _, u := range f.users {
		assert.Equal(t, "default_user", u)
	}
}

func TestRegistryModels(t *testing.T) {
	f := &fakeFetcher{names: map[string]string{"app-1": "Writer"}, fail: map[string]bool{}}
	r := newTestRegistry([]string{"app-1"}, f)
	require.NoError(t, r.Refresh(context.Background()))

	models := r.Models(1700000000)
	require.Len(t, models, 1)
	assert.Equal(t, Model{ID: "Writer", Object: "model", Created: 1700000000, OwnedBy: "dify"}, models[0])
}

func TestRegistryPartialFailureKeepsPreviousName(t *testing.T) {
	f := &fakeFetcher{
		names: map[string]string{"app-1": "Writer", "app-2": "Coder"},
		fail:  map[string]bool{},
	}
	r := newTestRegistry([]string{"app-1", "app-2"}, f)
	require.NoError(t, r.Refresh(context.Background()))

	f.setFail("app-2", true)
	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	key, ok := r.Lookup("Coder")
	require.True(t, ok, "transient failure must not drop a known model")
	assert.Equal(t, "app-2", key)
	assert.NotEmpty(t, r.Status().LastError)
}

func TestRegistryFailedKeyWithoutHistoryIsSkipped(t *testing.T) {
	f := &fakeFetcher{
		names: map[string]string{"app-1": "Writer"},
		fail:  map[string]bool{"app-2": true},
	}
	r := newTestRegistry([]string{"app-1", "app-2"}, f)

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"Writer"}, r.Names())
}

func TestRegistryDuplicateNameKeepsFirstKey(t *testing.T) {
	f := &fakeFetcher{
		names: map[string]string{"app-1": "Same", "app-2": "Same"},
		fail:  map[string]bool{},
	}
	r := newTestRegistry([]string{"app-1", "app-2"}, f)
	require.NoError(t, r.Refresh(context.Background()))

	key, ok := r.Lookup("Same")
	require.True(t, ok)
	assert.Equal(t, "app-1", key)
	assert.Len(t, r.Names(), 1)
}

func TestRegistryNoKeys(t *testing.T) {
	r := newTestRegistry(nil, &fakeFetcher{fail: map[string]bool{}})
	err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoKeys)
	assert.Empty(t, r.Names())
}

func TestRegistrySourceErrorKeepsSnapshot(t *testing.T) {
	f := &fakeFetcher{names: map[string]string{"app-1": "Writer"}, fail: map[string]bool{}}
	r := newTestRegistry([]string{"app-1"}, f)
	require.NoError(t, r.Refresh(context.Background()))

	r.source = errSource{err: errors.New("kv unavailable")}
	err := r.Refresh(context.Background())
	require.Error(t, err)

	_, ok := r.Lookup("Writer")
	assert.True(t, ok)
	assert.Contains(t, r.Status().LastError, "kv unavailable")
}

func TestRegistryConcurrentReadsDuringRefresh(t *testing.T) {
	f := &fakeFetcher{names: map[string]string{"app-1": "Writer"}, fail: map[string]bool{}}
	r := newTestRegistry([]string{"app-1"}, f)
	require.NoError(t, r.Refresh(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key, ok := r.Lookup("Writer")
				assert.True(t, ok)
				assert.Equal(t, "app-1", key)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Refresh(context.Background()))
	}
	wg.Wait()
}

func TestRegistryAutoRefreshStopsOnClose(t *testing.T) {
	f := &fakeFetcher{names: map[string]string{"app-1": "Writer"}, fail: map[string]bool{}}
	r := newTestRegistry([]string{"app-1"}, f)
	r.StartAutoRefresh(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("Writer")
		return ok
	}, time.Second, 5*time.Millisecond)

	r.Close()
	r.Close()
}

func TestParseKeyList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseKeyList(" a, ,b,a "))
	assert.Empty(t, ParseKeyList(""))
}
