package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var watermarkGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "loop_harvester",
		Subsystem: "collector",
		Name:      "watermark_block_number",
		Help:      "Last fully collected block per target",
	},
	[]string{"target"},
)

var latestBlockGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "loop_harvester",
		Subsystem: "collector",
		Name:      "latest_block_number",
		Help:      "Target end block for the current run",
	},
	[]string{"target"},
)

var rowsCommittedCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loop_harvester",
		Subsystem: "collector",
		Name:      "rows_committed_total",
		Help:      "Rows handed to the sink and committed",
	},
	[]string{"target"},
)

var collectErrorCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loop_harvester",
		Subsystem: "collector",
		Name:      "errors_total",
		Help:      "Observed collection errors by source",
	},
	[]string{"target", "source"},
)

var rangeRetryCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loop_harvester",
		Subsystem: "collector",
		Name:      "range_retries_total",
		Help:      "Range-level retries after a failed fetch or commit",
	},
	[]string{"target"},
)
