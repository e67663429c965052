// Package resource periodically samples the server process's own
// resource usage (RSS, open file descriptors, goroutines) and the
// normalization caches' occupancy, publishing them as gauges.
package resource

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/store"
	"github.com/apaku/tracetool/pkg/types"
)

// Sampler periodically updates the process resource and cache-occupancy
// gauges. It holds no state of its own beyond its handles on the
// components it samples — it never mutates them.
type Sampler struct {
	cfg     types.ResourceConfig
	caches  *normalize.Caches
	store   *store.Store
	metrics *metrics.Metrics
	logger  *logrus.Logger
	proc    *process.Process
}

// New builds a Sampler. metrics may be nil in tests exercising only the
// sampling loop's cadence.
func New(cfg types.ResourceConfig, caches *normalize.Caches, s *store.Store, m *metrics.Metrics, logger *logrus.Logger) *Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil && logger != nil {
		logger.WithError(err).Warn("resource: could not attach to own process; RSS sampling disabled")
	}
	return &Sampler{cfg: cfg, caches: caches, store: s, metrics: m, logger: logger, proc: proc}
}

// Run blocks, sampling at cfg.SampleInterval until ctx is canceled. A
// non-positive interval disables sampling entirely.
func (s *Sampler) Run(ctx context.Context) {
	if !s.cfg.Enabled || s.cfg.SampleInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	for cache, size := range s.caches.Sizes() {
		s.metrics.CacheSize.WithLabelValues(cache).Set(float64(size))
	}

	if pages, err := s.store.PageCount(ctx); err == nil {
		s.metrics.StorePages.Set(float64(pages))
	} else if s.logger != nil {
		s.logger.WithError(err).Warn("resource: failed to read store page count")
	}

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
			s.metrics.ProcessRSSBytes.Set(float64(mem.RSS))
		} else if s.logger != nil {
			s.logger.WithError(err).Warn("resource: failed to read process RSS")
		}
		if fds, err := s.proc.NumFDsWithContext(ctx); err == nil {
			s.metrics.ProcessOpenFDs.Set(float64(fds))
		} else if s.logger != nil {
			s.logger.WithError(err).Warn("resource: failed to read process FD count")
		}
	}
	s.metrics.ProcessGoroutines.Set(float64(runtime.NumGoroutine()))
}
