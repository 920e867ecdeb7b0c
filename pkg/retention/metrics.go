package retention

import (
	"sync/atomic"

	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
)

// Metrics collects prune statistics.
type Metrics interface {
	AddFilesDeleted(n int64)
	AddFilesFailed(n int64)
	LogSummary(msg string)
}

// PruneMetrics holds atomic counters updated by the delete workers.
type PruneMetrics struct {
	FilesDeleted atomic.Int64
	FilesFailed  atomic.Int64
}

func (m *PruneMetrics) AddFilesDeleted(n int64) { m.FilesDeleted.Add(n) }
func (m *PruneMetrics) AddFilesFailed(n int64)  { m.FilesFailed.Add(n) }

func (m *PruneMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"files_deleted", m.FilesDeleted.Load(),
		"files_failed", m.FilesFailed.Load(),
	)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesDeleted(n int64) {}
func (m *NoopMetrics) AddFilesFailed(n int64)  {}
func (m *NoopMetrics) LogSummary(msg string)   {}

var _ Metrics = (*PruneMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
