/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of demandas-cache.
 *
 * demandas-cache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * demandas-cache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"errors"
	"fmt"
	"time"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/mlog"
	"github.com/gerenciador-demandas/demandas-cache/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Log    mlog.LogConfig `yaml:"log"`
	API    APIConfig      `yaml:"api"`
	Caches []CacheConfig  `yaml:"caches"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

type CacheConfig struct {
	Tag     string `yaml:"tag"`
	Backend string `yaml:"backend"`

	MaxSize         int                  `yaml:"max_size"`
	DefaultTTL      time.Duration        `yaml:"default_ttl"`
	EvictionPolicy  cache_backend.Policy `yaml:"eviction_policy"`
	CleanerInterval time.Duration        `yaml:"cleaner_interval"`

	// DumpFile is loaded at start and written every DumpInterval
	// and at shutdown. Memory backend only.
	DumpFile     string        `yaml:"dump_file"`
	DumpInterval time.Duration `yaml:"dump_interval"`

	Redis  RedisConfig   `yaml:"redis"`
	Origin *OriginConfig `yaml:"origin"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// OriginConfig makes a cache read through to an http backend on misses.
// The value of key is fetched from "{URL}/{key}".
type OriginConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
}

// DefaultCaches are the instances used when the config names none.
func DefaultCaches() []CacheConfig {
	return []CacheConfig{
		{Tag: "service", Backend: BackendMemory, MaxSize: 100, DefaultTTL: 2 * time.Minute, EvictionPolicy: cache_backend.PolicyLRU, CleanerInterval: cache_backend.DefaultCleanerInterval},
		{Tag: "user", Backend: BackendMemory, MaxSize: 50, DefaultTTL: 10 * time.Minute, EvictionPolicy: cache_backend.PolicyLFU, CleanerInterval: cache_backend.DefaultCleanerInterval},
		{Tag: "static", Backend: BackendMemory, MaxSize: 200, DefaultTTL: 30 * time.Minute, EvictionPolicy: cache_backend.PolicyTTL, CleanerInterval: cache_backend.DefaultCleanerInterval},
	}
}

func (c *Config) init() error {
	if len(c.Caches) == 0 {
		c.Caches = DefaultCaches()
	}
	seen := make(map[string]struct{}, len(c.Caches))
	for i := range c.Caches {
		cc := &c.Caches[i]
		if len(cc.Tag) == 0 {
			return fmt.Errorf("cache #%d has no tag", i)
		}
		if _, dup := seen[cc.Tag]; dup {
			return fmt.Errorf("duplicated cache tag %s", cc.Tag)
		}
		seen[cc.Tag] = struct{}{}

		utils.SetDefaultString(&cc.Backend, BackendMemory)
		switch cc.Backend {
		case BackendMemory:
		case BackendRedis:
			if len(cc.Redis.URL) == 0 {
				return fmt.Errorf("cache %s: redis backend needs redis.url", cc.Tag)
			}
		default:
			return fmt.Errorf("cache %s: unknown backend %q", cc.Tag, cc.Backend)
		}
		if len(cc.EvictionPolicy) > 0 && !cc.EvictionPolicy.Valid() {
			return fmt.Errorf("cache %s: %w: %q", cc.Tag, cache_backend.ErrUnknownPolicy, cc.EvictionPolicy)
		}
		if cc.Origin != nil && len(cc.Origin.URL) == 0 {
			return fmt.Errorf("cache %s: origin needs url", cc.Tag)
		}
		cc.setDefaults()
	}
	return nil
}

// setDefaults fills the options a backend would otherwise default on its
// own, so the config reflects the values in effect.
func (cc *CacheConfig) setDefaults() {
	utils.SetDefaultNum(&cc.DefaultTTL, cache_backend.DefaultTTL)
	if cc.Backend != BackendMemory {
		return
	}
	utils.SetDefaultNum(&cc.MaxSize, cache_backend.DefaultSize)
	utils.SetDefaultNum(&cc.CleanerInterval, cache_backend.DefaultCleanerInterval)
	if len(cc.EvictionPolicy) == 0 {
		cc.EvictionPolicy = cache_backend.PolicyLRU
	}
	if len(cc.DumpFile) > 0 {
		utils.SetDefaultNum(&cc.DumpInterval, defaultDumpInterval)
	}
}

var errNoConfigFile = errors.New("no config file")

// loadConfig reads the config file. If filePath is empty, it looks for
// a file named "config" with any supported extension in the working dir.
// It returns the used file.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()
	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, "", errNoConfigFile
		}
		return nil, "", fmt.Errorf("failed to read config, %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to decode config, %w", err)
	}
	if err := cfg.init(); err != nil {
		return nil, "", fmt.Errorf("invalid config, %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

func decoderOpt(cfg *mapstructure.DecoderConfig) {
	cfg.ErrorUnused = true
	cfg.TagName = "yaml"
	cfg.WeaklyTypedInput = true
	cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
