package routecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeHit        = "hit"
	outcomeMiss       = "miss"
	outcomeInvalidate = "invalidate"
	outcomeBypass     = "bypass"
)

type metrics struct {
	// requests handled on cached routes, by outcome
	requests *prometheus.CounterVec
	// responses written to the store
	stores      prometheus.Counter
	storedBytes prometheus.Counter
	// keys removed by invalidation requests
	invalidatedKeys prometheus.Counter
	// store operation failures, by operation ("get", "set", "remove")
	storeErrors *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them with reg.
// Nothing is registered if reg is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "requests_total",
				Help:      "Total number of requests on cached routes",
			},
			[]string{"outcome"}, // "hit", "miss", "invalidate", "bypass"
		),
		stores: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "stores_total",
				Help:      "Total number of responses written to the cache",
			},
		),
		storedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "stored_bytes_total",
				Help:      "Total number of response body bytes written to the cache",
			},
		),
		invalidatedKeys: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "invalidated_keys_total",
				Help:      "Total number of cache keys removed by invalidation",
			},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "store_errors_total",
				Help:      "Total number of failed cache store operations",
			},
			[]string{"operation"},
		),
	}
}
