package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_store_appends_total",
		Help: "Messages appended to channel logs.",
	})
	appendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_store_append_errors_total",
		Help: "Failed message appends.",
	})
	fetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_store_fetches_total",
		Help: "History fetch operations (last-n, before, after).",
	})
	removes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_store_removes_total",
		Help: "Messages removed from channel logs.",
	})
)

// DiskUsageBytes returns the best-effort on-disk size of the store, exposed
// through the readyz payload for ops visibility.
func DiskUsageBytes() uint64 {
	if db == nil {
		return 0
	}
	return db.Metrics().DiskSpaceUsage()
}
