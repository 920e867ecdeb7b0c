// Package backupmetrics exports the outcome of a backup run as a Prometheus
// textfile, to be picked up by node_exporter's textfile collector.
package backupmetrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pgl_dbbackup"

// Run is the outcome of one backup invocation.
type Run struct {
	Stem       string
	Connection string
	Success    bool
	Started    time.Time
	Duration   time.Duration
	// DumpBytes is the size of the raw dump, FileBytes the size of the file kept on disk.
	DumpBytes     int64
	FileBytes     int64
	FilesPruned   int
	PruneFailures int
}

// Collect builds a registry holding the run's gauges.
func Collect(r Run) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"stem": r.Stem, "connection": r.Connection}

	gauge := func(name, help string, v float64) error {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(v)
		return reg.Register(g)
	}

	success := 0.0
	if r.Success {
		success = 1
	}
	metrics := []struct {
		name, help string
		value      float64
	}{
		{"last_run_success", "1 if the last backup run succeeded, 0 otherwise.", success},
		{"last_run_timestamp_seconds", "Unix time the last backup run started.", float64(r.Started.Unix())},
		{"last_run_duration_seconds", "Wall time of the last backup run.", r.Duration.Seconds()},
		{"last_dump_bytes", "Size of the uncompressed dump.", float64(r.DumpBytes)},
		{"last_file_bytes", "Size of the backup file kept on disk.", float64(r.FileBytes)},
		{"last_files_pruned", "Backup files deleted by retention in the last run.", float64(r.FilesPruned)},
		{"last_prune_failures", "Backup files retention failed to delete in the last run.", float64(r.PruneFailures)},
	}
	for _, m := range metrics {
		if err := gauge(m.name, m.help, m.value); err != nil {
			return nil, fmt.Errorf("failed to register metric %s: %w", m.name, err)
		}
	}
	if r.Success {
		if err := gauge("last_success_timestamp_seconds", "Unix time of the last successful backup.", float64(r.Started.Add(r.Duration).Unix())); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// WriteTextfile atomically writes the run's metrics to path.
func WriteTextfile(path string, r Run) error {
	reg, err := Collect(r)
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("failed to write metrics file %s: %w", path, err)
	}
	return nil
}
