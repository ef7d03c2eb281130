package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Resinat/gostgen/internal/netutil"
	"github.com/maypok86/otter"
	"github.com/rs/zerolog"
)

// DefaultURL is the public Mullvad relay list endpoint.
const DefaultURL = "https://api.mullvad.net/www/relays/wireguard"

// Source produces the current relay list.
type Source interface {
	Fetch(ctx context.Context) ([]Relay, error)
}

// FileSource reads a relay list from a local JSON file.
type FileSource struct {
	Path string
}

// Fetch returns os.ErrNotExist (wrapped) when the file is missing and
// ErrNoRelays when it is empty.
func (s FileSource) Fetch(_ context.Context) ([]Relay, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("relay: read %s: %w", s.Path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("relay: %s: %w", s.Path, ErrNoRelays)
	}
	return Decode(data)
}

// HTTPSource downloads the relay list.
type HTTPSource struct {
	URL        string
	Downloader netutil.Downloader
}

func (s HTTPSource) Fetch(ctx context.Context) ([]Relay, error) {
	data, err := s.Downloader.Download(ctx, s.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: download %s: %w", s.URL, err)
	}
	return Decode(data)
}

// FallbackSource prefers a local file and falls back to a remote source
// when the file is missing or empty.
type FallbackSource struct {
	File   FileSource
	Remote Source
	Log    zerolog.Logger
}

func (s FallbackSource) Fetch(ctx context.Context) ([]Relay, error) {
	relays, err := s.File.Fetch(ctx)
	switch {
	case err == nil:
		s.Log.Info().Str("file", s.File.Path).Int("relays", len(relays)).Msg("using local relay list")
		return relays, nil
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrNoRelays):
	default:
		return nil, err
	}

	relays, err = s.Remote.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Int("relays", len(relays)).Msg("downloaded relay list")
	return relays, nil
}

// CachedSource memoizes a source for a fixed TTL. The daemon uses it so
// frequent schedules do not hit the remote API on every pass.
type CachedSource struct {
	inner Source
	cache otter.Cache[string, []Relay]
}

const cacheKey = "relays"

// NewCachedSource wraps inner with a TTL cache.
func NewCachedSource(inner Source, ttl time.Duration) (*CachedSource, error) {
	cache, err := otter.MustBuilder[string, []Relay](16).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("relay: build cache: %w", err)
	}
	return &CachedSource{inner: inner, cache: cache}, nil
}

func (s *CachedSource) Fetch(ctx context.Context) ([]Relay, error) {
	if relays, ok := s.cache.Get(cacheKey); ok {
		return relays, nil
	}
	relays, err := s.inner.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cacheKey, relays)
	return relays, nil
}

// Invalidate drops the cached list.
func (s *CachedSource) Invalidate() {
	s.cache.Delete(cacheKey)
}

// Close releases the cache.
func (s *CachedSource) Close() {
	s.cache.Close()
}
