package coremain

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxValueSize = 4 << 20

var ErrUnknownCache = errors.New("unknown cache")

func (s *Server) initAPI() {
	r := s.httpMux
	r.Get("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Route("/caches", func(r chi.Router) {
		r.Get("/", s.handleListStats)
		r.Route("/{tag}", func(r chi.Router) {
			r.Get("/stats", s.withCache(s.handleStats))
			r.Delete("/", s.withCache(s.handleClear))
			r.Get("/keys/*", s.withCache(s.handleGet))
			r.Put("/keys/*", s.withCache(s.handleSet))
			r.Delete("/keys/*", s.withCache(s.handleDelete))
		})
	})
}

type cacheHandlerFunc func(w http.ResponseWriter, r *http.Request, ci *cacheInstance)

func (s *Server) withCache(f cacheHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		ci, ok := s.caches[tag]
		if !ok {
			http.Error(w, ErrUnknownCache.Error()+": "+tag, http.StatusNotFound)
			return
		}
		f(w, r, ci)
	}
}

func (s *Server) handleListStats(w http.ResponseWriter, r *http.Request) {
	res := make(map[string]cache_backend.Stats, len(s.caches))
	for tag, ci := range s.caches {
		res[tag] = ci.backend.Stats()
	}
	s.writeJSON(w, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, ci *cacheInstance) {
	s.writeJSON(w, ci.backend.Stats())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, ci *cacheInstance) {
	ci.backend.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ci *cacheInstance) {
	key := chi.URLParam(r, "*")
	v, ok, err := ci.get(r.Context(), key)
	if err != nil {
		s.logger.Warn("read through failed", zap.String("tag", ci.cfg.Tag), zap.String("key", key), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(v)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request, ci *cacheInstance) {
	key := chi.URLParam(r, "*")
	if len(key) == 0 {
		http.Error(w, "empty key", http.StatusBadRequest)
		return
	}

	var opts []cache_backend.SetOption
	q := r.URL.Query()
	if raw := q.Get("ttl"); len(raw) > 0 {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		opts = append(opts, cache_backend.WithTTL(ttl))
	}
	if raw := q.Get("priority"); len(raw) > 0 {
		p, err := cache_backend.ParsePriority(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, cache_backend.WithPriority(p))
	}

	v, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	ci.backend.Set(key, v, opts...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ci *cacheInstance) {
	if !ci.backend.Delete(chi.URLParam(r, "*")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}
