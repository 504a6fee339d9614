package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache"
	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend/memory_cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend/redis_cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultDumpInterval  = time.Minute * 10
	defaultOriginTimeout = time.Second * 5
	maxOriginBodySize    = 4 << 20
)

var (
	errOriginNotFound = errors.New("key not found in origin")
	errOriginTooLarge = errors.New("origin value too large")
)

// cacheInstance is a named cache owned by the Server.
type cacheInstance struct {
	cfg    CacheConfig
	logger *zap.Logger

	backend cache_backend.CacheBackend[[]byte]
	mem     *memory_cache_backend.MemoryCache[[]byte] // nil if backend is not memory

	loader *cache.Loader[[]byte] // nil if there is no origin
	origin *originClient
}

func newCacheInstance(cfg CacheConfig, logger *zap.Logger) (*cacheInstance, error) {
	ci := &cacheInstance{
		cfg:    cfg,
		logger: logger,
	}

	switch cfg.Backend {
	case BackendRedis:
		rc, err := redis_cache_backend.NewRedisCacheFromURL[[]byte](cfg.Redis.URL, redis_cache_backend.RedisCacheOpts{
			ClientTimeout: cfg.Redis.Timeout,
			DefaultTTL:    cfg.DefaultTTL,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init redis backend, %w", err)
		}
		ci.backend = rc
	default:
		mc := memory_cache_backend.NewMemoryCache[[]byte](memory_cache_backend.MemoryCacheOpts{
			MaxSize:         cfg.MaxSize,
			DefaultTTL:      cfg.DefaultTTL,
			EvictionPolicy:  cfg.EvictionPolicy,
			CleanerInterval: cfg.CleanerInterval,
			Logger:          logger,
			MetricsTag:      cfg.Tag,
		})
		ci.backend = mc
		ci.mem = mc
		if err := ci.loadDump(); err != nil {
			logger.Warn("failed to load cache dump", zap.String("file", cfg.DumpFile), zap.Error(err))
		}
	}

	if o := cfg.Origin; o != nil {
		ci.origin = newOriginClient(o.URL, o.Timeout)
		ci.loader = cache.NewLoader[[]byte](ci.backend, cache.LoaderOpts{
			FetchTimeout: o.Timeout,
			Rate:         o.Rate,
			Burst:        o.Burst,
			Logger:       logger,
			MetricsTag:   cfg.Tag,
		})
	}
	return ci, nil
}

func (ci *cacheInstance) regMetricsTo(r prometheus.Registerer) error {
	if ci.mem != nil {
		if err := ci.mem.RegMetricsTo(r); err != nil {
			return err
		}
	}
	if ci.loader != nil {
		if err := ci.loader.RegMetricsTo(r); err != nil {
			return err
		}
	}
	return nil
}

// get reads key from the cache, reading through to the origin if the
// cache has one.
func (ci *cacheInstance) get(ctx context.Context, key string) ([]byte, bool, error) {
	if ci.loader == nil {
		v, ok := ci.backend.Get(key)
		return v, ok, nil
	}
	v, err := ci.loader.Load(ctx, key, ci.origin.fetcher(key))
	if err != nil {
		if errors.Is(err, errOriginNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// run blocks until closeSignal, dumping the memory cache every
// DumpInterval. Then it writes a last dump and closes the backend.
func (ci *cacheInstance) run(closeSignal <-chan struct{}) {
	defer ci.close()
	if ci.mem == nil || len(ci.cfg.DumpFile) == 0 {
		<-closeSignal
		return
	}

	ticker := time.NewTicker(ci.cfg.DumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closeSignal:
			return
		case <-ticker.C:
			if err := ci.dump(); err != nil {
				ci.logger.Error("failed to dump cache", zap.String("tag", ci.cfg.Tag), zap.Error(err))
			}
		}
	}
}

func (ci *cacheInstance) close() {
	if ci.mem != nil && len(ci.cfg.DumpFile) > 0 {
		if err := ci.dump(); err != nil {
			ci.logger.Error("failed to dump cache", zap.String("tag", ci.cfg.Tag), zap.Error(err))
		}
	}
	if err := ci.backend.Close(); err != nil {
		ci.logger.Warn("failed to close cache", zap.String("tag", ci.cfg.Tag), zap.Error(err))
	}
}

// dump writes the memory cache to a temp file then renames it to DumpFile.
func (ci *cacheInstance) dump() error {
	tmp := ci.cfg.DumpFile + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := ci.mem.Dump(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, ci.cfg.DumpFile); err != nil {
		return err
	}
	ci.logger.Info("cache dumped", zap.String("tag", ci.cfg.Tag), zap.Int("entries", n))
	return nil
}

func (ci *cacheInstance) loadDump() error {
	if len(ci.cfg.DumpFile) == 0 {
		return nil
	}
	f, err := os.Open(ci.cfg.DumpFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	n, err := ci.mem.Load(f)
	if err != nil {
		return err
	}
	ci.logger.Info("cache dump loaded", zap.String("tag", ci.cfg.Tag), zap.Int("entries", n))
	return nil
}

type originClient struct {
	base   string
	client *http.Client
}

func newOriginClient(base string, timeout time.Duration) *originClient {
	utils.SetDefaultNum(&timeout, defaultOriginTimeout)
	return &originClient{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (o *originClient) fetcher(key string) cache.Fetcher[[]byte] {
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+"/"+url.PathEscape(key), nil)
		if err != nil {
			return nil, err
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, errOriginNotFound
		case resp.StatusCode/100 != 2:
			return nil, fmt.Errorf("origin returned %s", resp.Status)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxOriginBodySize+1))
		if err != nil {
			return nil, err
		}
		if len(b) > maxOriginBodySize {
			return nil, fmt.Errorf("%w, limit is %d bytes", errOriginTooLarge, maxOriginBodySize)
		}
		return b, nil
	}
}
