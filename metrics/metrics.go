// Package metrics exposes Prometheus metrics for Mastodon logins.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records login flow metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	loginsStarted    *prometheus.CounterVec
	callbackOutcomes *prometheus.CounterVec
	exchangeLatency  prometheus.Histogram
	extraFetches     *prometheus.CounterVec
}

// NewCollector creates the metrics; call Register to expose them.
func NewCollector() *Collector {
	return &Collector{
		loginsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastodon_login_started_total",
			Help: "Login attempts redirected to a Mastodon instance, by result",
		}, []string{"result"}),
		callbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastodon_login_callback_total",
			Help: "Login callbacks handled, by outcome",
		}, []string{"outcome"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mastodon_token_exchange_duration_seconds",
			Help:    "Latency of authorization code exchanges",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		extraFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mastodon_extra_endpoint_fetch_total",
			Help: "Extra profile endpoint calls on first login, by result",
		}, []string{"result"}),
	}
}

// Register registers the metrics on reg (or the default registerer if nil).
// When another Collector already registered the same metrics, c switches to
// those so that everything it records is exposed.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := registerVec(reg, &c.loginsStarted); err != nil {
		return err
	}
	if err := registerVec(reg, &c.callbackOutcomes); err != nil {
		return err
	}
	if err := registerVec(reg, &c.extraFetches); err != nil {
		return err
	}
	return registerHistogram(reg, &c.exchangeLatency)
}

func registerVec(reg prometheus.Registerer, vec **prometheus.CounterVec) error {
	existing, err := registerOrExisting(reg, *vec)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	v, ok := existing.(*prometheus.CounterVec)
	if !ok {
		return fmt.Errorf("metric registered with another type: %T", existing)
	}
	*vec = v
	return nil
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.Histogram) error {
	existing, err := registerOrExisting(reg, *h)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	v, ok := existing.(prometheus.Histogram)
	if !ok {
		return fmt.Errorf("metric registered with another type: %T", existing)
	}
	*h = v
	return nil
}

// registerOrExisting returns the previously registered collector when col
// is a duplicate, or nil when col itself was registered.
func registerOrExisting(reg prometheus.Registerer, col prometheus.Collector) (prometheus.Collector, error) {
	err := reg.Register(col)
	if err == nil {
		return nil, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, err
}

// LoginStarted counts a start-login request. result is "redirected" or an
// error category.
func (c *Collector) LoginStarted(result string) {
	if c == nil {
		return
	}
	c.loginsStarted.WithLabelValues(result).Inc()
}

// CallbackOutcome counts a handled callback.
func (c *Collector) CallbackOutcome(outcome string) {
	if c == nil {
		return
	}
	c.callbackOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveExchange records how long a code exchange took.
func (c *Collector) ObserveExchange(d time.Duration) {
	if c == nil {
		return
	}
	c.exchangeLatency.Observe(d.Seconds())
}

// ExtraFetch counts one extra endpoint call.
func (c *Collector) ExtraFetch(ok bool) {
	if c == nil {
		return
	}
	c.extraFetches.WithLabelValues(fetchResult(ok)).Inc()
}

// StartedCounter returns the start-login counter for result.
func (c *Collector) StartedCounter(result string) prometheus.Counter {
	return c.loginsStarted.WithLabelValues(result)
}

// CallbackCounter returns the callback counter for outcome.
func (c *Collector) CallbackCounter(outcome string) prometheus.Counter {
	return c.callbackOutcomes.WithLabelValues(outcome)
}

// ExtraFetchCounter returns the extra endpoint counter for the given result.
func (c *Collector) ExtraFetchCounter(ok bool) prometheus.Counter {
	return c.extraFetches.WithLabelValues(fetchResult(ok))
}

func fetchResult(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
