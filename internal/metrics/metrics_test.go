package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("/healthz", "200")
		ObserveJob("webhook", "completed", 20*time.Millisecond)
		SetPendingTimers(3)
		IncCredential("refresh", "ok")
		IncUpstream("get_booking", "ok")
	})
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(upserts.WithLabelValues("created"))
	IncUpsert("created")
	IncUpsert("created")
	assert.Equal(t, before+2, testutil.ToFloat64(upserts.WithLabelValues("created")))

	SetQueueDepth("waiting", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(queueDepth.WithLabelValues("waiting")))

	d := testutil.ToFloat64(deadLetters)
	IncDeadLetter()
	assert.Equal(t, d+1, testutil.ToFloat64(deadLetters))

	w := testutil.ToFloat64(webhooks.WithLabelValues("debounced"))
	IncWebhook("debounced")
	assert.Equal(t, w+1, testutil.ToFloat64(webhooks.WithLabelValues("debounced")))
}
