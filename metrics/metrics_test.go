package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.LoginStarted("redirected")
		c.CallbackOutcome("authenticated")
		c.ObserveExchange(time.Second)
		c.ExtraFetch(true)
	})
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector()
	require.NoError(t, c.Register(reg))
	require.NoError(t, c.Register(reg))
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector()
	require.NoError(t, c.Register(reg))

	c.LoginStarted("redirected")
	c.LoginStarted("redirected")
	c.LoginStarted("invalid_instance")
	c.CallbackOutcome("authenticated")
	c.ExtraFetch(true)
	c.ExtraFetch(false)
	c.ExtraFetch(false)
	c.ObserveExchange(50 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StartedCounter("redirected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StartedCounter("invalid_instance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CallbackCounter("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ExtraFetchCounter(true)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ExtraFetchCounter(false)))

	count, err := testutil.GatherAndCount(reg, "mastodon_token_exchange_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSecondCollectorSharesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewCollector()
	require.NoError(t, first.Register(reg))

	second := NewCollector()
	require.NoError(t, second.Register(reg))

	second.LoginStarted("redirected")
	second.CallbackOutcome("authenticated")
	second.ExtraFetch(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(first.StartedCounter("redirected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.CallbackCounter("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.ExtraFetchCounter(true)))
	assert.Same(t, first.loginsStarted, second.loginsStarted)
	assert.Equal(t, first.exchangeLatency, second.exchangeLatency)

	count, err := testutil.GatherAndCount(reg, "mastodon_login_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegisterConflictingMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mastodon_login_started_total",
		Help: "something else",
	}, []string{"other"})))

	assert.Error(t, NewCollector().Register(reg))
}
