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
	"net"
	"net/http"
	"sort"

	"github.com/gerenciador-demandas/demandas-cache/pkg/mlog"
	"github.com/gerenciador-demandas/demandas-cache/pkg/safe_close"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const metricsPrefix = "demandas_cache_"

// Server owns the named caches. Their lifetime is the server's lifetime:
// every cache is closed exactly once when the server closes.
type Server struct {
	logger *zap.Logger
	caches map[string]*cacheInstance

	httpMux    *chi.Mux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewServer builds all caches in cfg and, if cfg.API.HTTP is set, starts
// the http api. cfg must have been initialized by loadConfig or be a
// Config with valid caches.
func NewServer(cfg *Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = mlog.Nop()
	}
	if err := cfg.init(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}

	s := &Server{
		logger:     logger,
		caches:     make(map[string]*cacheInstance, len(cfg.Caches)),
		httpMux:    chi.NewRouter(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	reg := prometheus.WrapRegistererWithPrefix(metricsPrefix, s.metricsReg)
	for _, cc := range cfg.Caches {
		ci, err := newCacheInstance(cc, logger.Named(cc.Tag))
		if err != nil {
			s.closeCaches()
			return nil, fmt.Errorf("failed to init cache %s, %w", cc.Tag, err)
		}
		s.caches[cc.Tag] = ci
		if err := ci.regMetricsTo(reg); err != nil {
			s.closeCaches()
			return nil, fmt.Errorf("failed to register metrics of cache %s, %w", cc.Tag, err)
		}
		fields := []zap.Field{
			zap.String("tag", cc.Tag),
			zap.String("backend", cc.Backend),
			zap.Duration("default_ttl", cc.DefaultTTL),
		}
		if cc.Backend == BackendMemory {
			fields = append(fields,
				zap.Int("max_size", ci.backend.Stats().MaxSize),
				zap.String("policy", string(cc.EvictionPolicy)),
				zap.Duration("cleaner_interval", cc.CleanerInterval),
			)
		} else {
			fields = append(fields, zap.String("key_prefix", cc.Redis.KeyPrefix))
		}
		logger.Info("cache loaded", fields...)
	}

	for _, ci := range s.caches {
		ci := ci
		s.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			ci.run(closeSignal)
		})
	}

	s.initAPI()
	if len(cfg.API.HTTP) > 0 {
		if err := s.startHttpServer(cfg.API.HTTP); err != nil {
			s.CloseWithErr(err)
			s.sc.CloseWait()
			return nil, fmt.Errorf("failed to start http server, %w", err)
		}
	}
	return s, nil
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func (s *Server) startHttpServer(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hs := &http.Server{Handler: s.httpMux}
	s.logger.Info("starting http api", zap.Stringer("addr", l.Addr()))
	s.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- hs.Serve(l)
		}()
		select {
		case err := <-errChan:
			if !errors.Is(err, http.ErrServerClosed) {
				s.sc.SendCloseSignal(fmt.Errorf("http server exited, %w", err))
			}
		case <-closeSignal:
			_ = hs.Close()
		}
	})
	return nil
}

// closeCaches is used when NewServer fails before the caches are attached.
func (s *Server) closeCaches() {
	for _, ci := range s.caches {
		ci.close()
	}
}

// Tags returns the sorted tags of all caches.
func (s *Server) Tags() []string {
	tags := make([]string, 0, len(s.caches))
	for tag := range s.caches {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (s *Server) HttpMux() *chi.Mux {
	return s.httpMux
}

func (s *Server) GetSafeClose() *safe_close.SafeClose {
	return s.sc
}

// CloseWithErr sends a close signal. Caches are dumped and closed by
// their own goroutines, see SafeClose.CloseWait.
func (s *Server) CloseWithErr(err error) {
	if err != nil {
		s.logger.Error("server exited", zap.Error(err))
	}
	s.sc.SendCloseSignal(err)
}
