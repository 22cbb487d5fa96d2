package process

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Units of work whose failures are counted separately.
const (
	unitThreads   = "threads"
	unitRegisters = "registers"
	unitFrames    = "frames"
	unitModules   = "modules"
)

type metrics struct {
	threadsWalked  prometheus.Counter
	recoveries     *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		threadsWalked: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tdump_threads_walked_total",
			Help: "Total number of TCBs found on thread chains.",
		})),
		recoveries: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tdump_register_recoveries_total",
			Help: "Total number of thread register recoveries by the source that succeeded.",
		}, []string{"source"})),
		decodeFailures: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tdump_decode_failures_total",
			Help: "Total number of units of work degraded by unreadable or corrupt control blocks.",
		}, []string{"unit"})),
	}
}

// registerOrGet registers c, or returns the collector already registered
// under the same description. A nil registerer leaves c unregistered.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
