package resource_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/resource"
	"github.com/apaku/tracetool/internal/store"
	"github.com/apaku/tracetool/pkg/types"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func newTestStoreAndCaches(t *testing.T) (*store.Store, *normalize.Caches) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := store.Open(filepath.Join(t.TempDir(), "live.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	caches := normalize.NewCaches(types.CacheConfig{PathCapacity: 10, FunctionCapacity: 10, ProcessCapacity: 10, ThreadCapacity: 10, TracePointCapacity: 10})
	return s, caches
}

// TestSamplerPublishesGauges exercises the real sampling tick end to end:
// a short-lived context lets the ticker fire at least once, after which
// the goroutine gauge and the path cache-size gauge must be populated.
func TestSamplerPublishesGauges(t *testing.T) {
	s, caches := newTestStoreAndCaches(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.New()

	sampler := resource.New(types.ResourceConfig{Enabled: true, SampleInterval: 5 * time.Millisecond}, caches, s, m, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	sampler.Run(ctx)

	require.GreaterOrEqual(t, gaugeValue(t, m.ProcessGoroutines), float64(1))
	require.GreaterOrEqual(t, gaugeValue(t, m.CacheSize.WithLabelValues("path")), float64(0))
}

// TestSamplerDisabledReturnsImmediately checks that Run does not block
// (and never ticks) when resource sampling is turned off.
func TestSamplerDisabledReturnsImmediately(t *testing.T) {
	s, caches := newTestStoreAndCaches(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sampler := resource.New(types.ResourceConfig{Enabled: false, SampleInterval: 5 * time.Millisecond}, caches, s, nil, logger)

	done := make(chan struct{})
	go func() {
		sampler.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run did not return immediately for a disabled sampler")
	}
}
