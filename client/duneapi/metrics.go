package duneapi

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricInsertRequestsCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loop_harvester",
		Subsystem: "dune_client",
		Name:      "insert_requests_total",
		Help:      "Number of insert requests",
	},
	[]string{"status"},
)

var metricInsertDurationMillis = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "loop_harvester",
		Subsystem: "dune_client",
		Name:      "insert_duration_millis",
		Help:      "Duration of an insert request in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 4000},
	},
	[]string{"status"},
)

func observeInsert(status string, t0 time.Time) {
	metricInsertRequestsCount.WithLabelValues(status).Inc()
	metricInsertDurationMillis.WithLabelValues(status).Observe(float64(time.Since(t0).Milliseconds()))
}

func observeInsertCode(statusCode int, t0 time.Time) {
	observeInsert(strconv.Itoa(statusCode), t0)
}

func observeInsertErr(err error, t0 time.Time) {
	observeInsert(errorToStatus(err), t0)
}

func errorToStatus(err error) string {
	status := "unknown_error"
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			status = "timeout"
		} else {
			status = "connection_refused"
		}
	}
	return status
}
