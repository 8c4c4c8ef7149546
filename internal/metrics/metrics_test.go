package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relationaldba/provisiond/internal/ir"
)

func TestWorkflowMetrics(t *testing.T) {
	m := New(nil)

	m.WorkflowStarted("deploy")
	m.WorkflowStarted("destroy")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WorkflowsInFlight))

	m.WorkflowFinished("deploy", "success", 90*time.Second)
	m.WorkflowFinished("destroy", "failed", time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.WorkflowsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkflowsTotal.WithLabelValues("deploy", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkflowsTotal.WithLabelValues("destroy", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.WorkflowDuration))
}

func TestTransitionAndPollMetrics(t *testing.T) {
	m := New(nil)

	m.StatusChanged(ir.StatusCreating)
	m.StatusChanged(ir.StatusOnline)
	m.StatusChanged(ir.StatusOnline)
	m.StackPolled("apply")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("ONLINE")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("CREATING")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StackPollsTotal.WithLabelValues("apply")))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.StackPolled("delete")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `provisiond_stack_polls_total{operation="delete"} 1`)
}
