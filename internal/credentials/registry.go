package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvcrn/dify-proxy/internal/logger"
	"github.com/dvcrn/dify-proxy/internal/metrics"
)

// ErrNoKeys is returned by Refresh when the key source yields nothing.
var ErrNoKeys = errors.New("no Dify API keys configured")

const maxConcurrentInfoFetches = 8

// Model is a single entry exposed by the model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Status describes the current registry snapshot.
type Status struct {
	Models      []string  `json:"models"`
	KeyCount    int       `json:"key_count"`
	RefreshedAt time.Time `json:"refreshed_at"`
	LastError   string    `json:"last_error,omitempty"`
}

type snapshot struct {
	byName      map[string]string
	byKey       map[string]string
	names       []string
	keyCount    int
	refreshedAt time.Time
	lastErr     error
}

func emptySnapshot() *snapshot {
	return &snapshot{byName: map[string]string{}, byKey: map[string]string{}}
}

// Registry maps Dify application names to their API keys. Readers see an
// immutable snapshot; Refresh builds a new one and swaps it in atomically.
type Registry struct {
	source  KeySource
	fetcher AppInfoFetcher
	user    string
	logger  zerolog.Logger
	now     func() time.Time

	current   atomic.Pointer[snapshot]
	refreshMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. user is sent as the Dify user id
// when fetching app info.
func NewRegistry(source KeySource, fetcher AppInfoFetcher, user string, logger zerolog.Logger) *Registry {
	r := &Registry{
		source:  source,
		fetcher: fetcher,
		user:    user,
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	r.current.Store(emptySnapshot())
	return r
}

type infoResult struct {
	key  string
	name string
	err  error
}

// Refresh re-reads the key source and resolves every key to its app name.
// Keys whose lookup fails keep the name they had in the previous snapshot.
// The new snapshot is published even when some keys fail; the returned
// error aggregates every failure.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.current.Load()

	keys, err := r.source.Keys(ctx)
	if err != nil {
		metrics.RegistryRefreshesTotal.WithLabelValues("failed").Inc()
		r.storeError(prev, err)
		return fmt.Errorf("failed to load keys: %w", err)
	}
	if len(keys) == 0 {
		metrics.RegistryRefreshesTotal.WithLabelValues("failed").Inc()
		r.storeError(prev, ErrNoKeys)
		return ErrNoKeys
	}

	results := make([]infoResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInfoFetches)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			info, err := r.fetcher.AppInfo(gctx, key, r.user)
			if err != nil {
				results[i] = infoResult{key: key, err: err}
				return nil
			}
			results[i] = infoResult{key: key, name: info.Name}
			return nil
		})
	}
	_ = g.Wait()

	next := &snapshot{
		byName:      make(map[string]string, len(keys)),
		byKey:       make(map[string]string, len(keys)),
		keyCount:    len(keys),
		refreshedAt: r.now(),
	}

	var merr *multierror.Error
	failed := 0
	for _, res := range results {
		name := res.name
		if res.err != nil {
			failed++
			merr = multierror.Append(merr, fmt.Errorf("key %s: %w", logger.Preview(res.key), res.err))
			r.logger.Warn().Err(res.err).Str("key", logger.Preview(res.key)).Msg("Failed to fetch app info")
			old, ok := prev.byKey[res.key]
			if !ok {
				continue
			}
			name = old
		}
		if existing, dup := next.byName[name]; dup {
			r.logger.Warn().
				Str("model", name).
				Str("kept_key", logger.Preview(existing)).
				Str("skipped_key", logger.Preview(res.key)).
				Msg("Duplicate app name, keeping first key")
			continue
		}
		next.byName[name] = res.key
		next.byKey[res.key] = name
		next.names = append(next.names, name)
	}
	sort.Strings(next.names)

	refreshErr := merr.ErrorOrNil()
	next.lastErr = refreshErr
	r.current.Store(next)
	metrics.RegistryModels.Set(float64(len(next.names)))

	switch {
	case failed == 0:
		metrics.RegistryRefreshesTotal.WithLabelValues("ok").Inc()
	case failed == len(keys):
		metrics.RegistryRefreshesTotal.WithLabelValues("failed").Inc()
	default:
		metrics.RegistryRefreshesTotal.WithLabelValues("partial").Inc()
	}

	r.logger.Info().
		Int("models", len(next.names)).
		Int("keys", len(keys)).
		Int("failed", failed).
		Strs("names", next.names).
		Msg("Model registry refreshed")
	return refreshErr
}

func (r *Registry) storeError(prev *snapshot, err error) {
	next := *prev
	next.lastErr = err
	r.current.Store(&next)
}

// Lookup returns the API key serving model name.
func (r *Registry) Lookup(name string) (string, bool) {
	key, ok := r.current.Load().byName[name]
	return key, ok
}

// Names returns the model names in sorted order.
func (r *Registry) Names() []string {
	names := r.current.Load().names
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Models returns the OpenAI-style model list, stamped with created.
func (r *Registry) Models(created int64) []Model {
	names := r.current.Load().names
	out := make([]Model, 0, len(names))
	for _, name := range names {
		out = append(out, Model{ID: name, Object: "model", Created: created, OwnedBy: "dify"})
	}
	return out
}

// Status reports the current snapshot for the admin endpoint.
func (r *Registry) Status() Status {
	s := r.current.Load()
	st := Status{
		Models:      append([]string{}, s.names...),
		KeyCount:    s.keyCount,
		RefreshedAt: s.refreshedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// StartAutoRefresh refreshes the registry every interval until Close.
// A non-positive interval disables it.
func (r *Registry) StartAutoRefresh(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.backgroundRefresh(interval)
}

func (r *Registry) backgroundRefresh(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Background registry refresh failed")
			}
			cancel()
		case <-r.stopCh:
			r.logger.Debug().Msg("Background registry refresh stopped")
			return
		}
	}
}

// Close stops the background refresh goroutine.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
