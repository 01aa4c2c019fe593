package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAndHandler(t *testing.T) {
	before := testutil.ToFloat64(QueueSends.WithLabelValues("sent"))
	QueueSends.WithLabelValues("sent").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(QueueSends.WithLabelValues("sent")))

	ObserveTask("drain", time.Now(), errors.New("boom"))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "shopdesk_queue_sends_total")
	assert.Contains(t, rec.Body.String(), `shopdesk_task_duration_seconds_count{status="error",task="drain"}`)
}
