package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateguard_backup_operations_total",
		Help: "Backup manager operations by type and status",
	}, []string{"operation", "status"})

	backupSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stateguard_backup_size_bytes",
		Help: "Size of the most recent snapshot in bytes",
	}, []string{"store"})

	retainedSnapshotsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stateguard_backup_retained_snapshots",
		Help: "Number of snapshots currently retained",
	}, []string{"store"})
)
