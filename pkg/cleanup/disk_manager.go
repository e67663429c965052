// Package cleanup monitors free disk space under the archive directory
// (internal/archive writes numbered archive databases there) and reports
// free and used bytes as Prometheus gauges, so an operator can alert before the volume
// backing archives fills up. It never deletes archived data itself —
// pruning old archive files is outside this system's scope (spec.md
// §4.5 only prunes the live store, never an archive once written).
package cleanup

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/apaku/tracetool/internal/metrics"
)

// Config configures the disk space monitor.
type Config struct {
	Path                   string
	CheckInterval          time.Duration
	WarningSpaceThreshold  float64 // percent free, below which a warning is logged
	CriticalSpaceThreshold float64 // percent free, below which an error is logged
}

// DiskSpaceManager periodically samples free space on Config.Path.
type DiskSpaceManager struct {
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiskSpaceManager builds a DiskSpaceManager. Defaults are applied for
// a zero CheckInterval (1 minute) and zero thresholds (warn at 20% free,
// critical at 5% free).
func NewDiskSpaceManager(cfg Config, logger *logrus.Logger) *DiskSpaceManager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.WarningSpaceThreshold <= 0 {
		cfg.WarningSpaceThreshold = 20
	}
	if cfg.CriticalSpaceThreshold <= 0 {
		cfg.CriticalSpaceThreshold = 5
	}
	return &DiskSpaceManager{cfg: cfg, logger: logger, done: make(chan struct{})}
}

// SetMetrics attaches the Prometheus gauges updated on every check.
// Passing nil disables metrics recording.
func (dsm *DiskSpaceManager) SetMetrics(m *metrics.Metrics) {
	dsm.metrics = m
}

// Start begins the periodic check loop in the background.
func (dsm *DiskSpaceManager) Start() error {
	dsm.ctx, dsm.cancel = context.WithCancel(context.Background())
	go dsm.loop()
	return nil
}

// Stop stops the check loop and waits for it to exit.
func (dsm *DiskSpaceManager) Stop() error {
	if dsm.cancel == nil {
		return nil
	}
	dsm.cancel()
	<-dsm.done
	return nil
}

func (dsm *DiskSpaceManager) loop() {
	defer close(dsm.done)

	ticker := time.NewTicker(dsm.cfg.CheckInterval)
	defer ticker.Stop()

	dsm.check()
	for {
		select {
		case <-dsm.ctx.Done():
			return
		case <-ticker.C:
			dsm.check()
		}
	}
}

func (dsm *DiskSpaceManager) check() {
	usage, err := disk.UsageWithContext(dsm.ctx, dsm.cfg.Path)
	if err != nil {
		if dsm.logger != nil {
			dsm.logger.WithError(err).WithField("path", dsm.cfg.Path).Warn("cleanup: failed to read archive disk usage")
		}
		return
	}

	freePercent := 100 - usage.UsedPercent

	if dsm.metrics != nil {
		dsm.metrics.ArchiveDiskFreeBytes.Set(float64(usage.Free))
		dsm.metrics.ArchiveDiskUsedBytes.Set(float64(usage.Used))
	}

	if dsm.logger == nil {
		return
	}

	fields := logrus.Fields{"path": dsm.cfg.Path, "free_percent": freePercent}
	switch {
	case freePercent < dsm.cfg.CriticalSpaceThreshold:
		dsm.logger.WithFields(fields).Error("archive disk space critically low")
	case freePercent < dsm.cfg.WarningSpaceThreshold:
		dsm.logger.WithFields(fields).Warn("archive disk space low")
	}
}
