package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Each collector owns its registry, so two never collide.
	a := NewCollector()
	b := NewCollector()
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.RecordAdmitted()
	c.RecordAdmitted()
	c.RecordCompleted()
	c.RecordFailed()
	c.RecordLaunch()
	c.RecordBreakerOpen()
	c.RecordSelfHeal()
	c.RecordDecision("iterate")
	c.RecordDecision("iterate")
	c.RecordDecision("halt")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticketsAdmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticketsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticketsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsLaunched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerOpens))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.selfHeals))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.decisions.WithLabelValues("iterate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("halt")))
}

func TestUpdateQueueStats(t *testing.T) {
	c := NewCollector()
	c.UpdateQueueStats(3, 2, 1, true)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queued))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.awaiting))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.paused))

	c.UpdateQueueStats(0, 0, 0, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.paused))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordAdmitted()
		c.RecordDecision("halt")
		c.RecordStepDuration("plan", time.Minute)
		c.UpdateQueueStats(1, 1, 1, false)
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordStepDuration("implement", 90*time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `operator_step_duration_seconds_count{step="implement"} 1`), body)
}
