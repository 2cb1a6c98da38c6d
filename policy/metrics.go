package policy

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the counters/gauges §6 of spec.md requires. Each
// PolicyCore creates its own instance and registers it with the
// registerer it is given (none when nil); tests that spin up many cores
// pass their own registry to avoid duplicate registration.
type metrics struct {
	lookupTotal            prometheus.Counter
	fastHit                prometheus.Counter
	fastMiss               prometheus.Counter
	firstPathBucketScanned prometheus.Counter
	reloadTotal            prometheus.Counter
	reloadRejectedAcl      prometheus.Counter
	vectorSize             prometheus.Gauge
	avgBucketDepth         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		lookupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "policy", Name: "lookup_total", Help: "total policy lookups performed",
		}),
		fastHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "policy", Name: "fast_hit", Help: "fast-path cache hits",
		}),
		fastMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "policy", Name: "fast_miss", Help: "fast-path cache misses",
		}),
		firstPathBucketScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "policy", Name: "first_path_bucket_scanned", Help: "first-path buckets scanned across all lookups",
		}),
		reloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "policy", Name: "reload_total", Help: "policy reloads performed",
		}),
		reloadRejectedAcl: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "policy", Name: "reload_rejected_acl", Help: "ACLs rejected across all reloads",
		}),
		vectorSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "policy", Name: "vector_size", Help: "current first-path vector size",
		}),
		avgBucketDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "policy", Name: "avg_bucket_depth", Help: "average first-path bucket depth",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.lookupTotal, m.fastHit, m.fastMiss, m.firstPathBucketScanned,
			m.reloadTotal, m.reloadRejectedAcl, m.vectorSize, m.avgBucketDepth,
		)
	}
	return m
}
