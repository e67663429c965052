package cleanup

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"

	"github.com/apaku/tracetool/internal/metrics"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestNewDiskSpaceManagerAppliesDefaults(t *testing.T) {
	dsm := NewDiskSpaceManager(Config{Path: "/tmp"}, logrus.New())
	require.Equal(t, time.Minute, dsm.cfg.CheckInterval)
	require.Equal(t, float64(20), dsm.cfg.WarningSpaceThreshold)
	require.Equal(t, float64(5), dsm.cfg.CriticalSpaceThreshold)
}

func TestDiskSpaceManagerPublishesGauges(t *testing.T) {
	dsm := NewDiskSpaceManager(Config{Path: "/tmp", CheckInterval: 10 * time.Millisecond}, logrus.New())
	m := metrics.New()
	dsm.SetMetrics(m)

	require.NoError(t, dsm.Start())
	defer dsm.Stop()

	require.Eventually(t, func() bool {
		return gaugeValue(t, m.ArchiveDiskFreeBytes) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestDiskSpaceManagerStopWithoutStartIsNoop(t *testing.T) {
	dsm := NewDiskSpaceManager(Config{Path: "/tmp"}, logrus.New())
	require.NoError(t, dsm.Stop())
}

func TestDiskSpaceManagerSurvivesBadPath(t *testing.T) {
	dsm := NewDiskSpaceManager(Config{Path: "/nonexistent/path/for/tracetool/tests", CheckInterval: 10 * time.Millisecond}, logrus.New())
	require.NoError(t, dsm.Start())
	defer dsm.Stop()
	time.Sleep(30 * time.Millisecond)
}
