// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.StageTransition("extract", "complete")
	c.StageTransition("extract", "complete")
	c.ModelCall("anthropic", "ok", 3*time.Second)
	c.Defect("paper", "box_not_found")
	c.Attempts("paper", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StageTransitions.WithLabelValues("extract", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ModelCalls.WithLabelValues("anthropic", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Defects.WithLabelValues("paper", "box_not_found")))
}

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.StageTransition("query", "complete")
		c.ModelCall("openai", "error", time.Second)
		c.Attempts("aggregate", 1)
		c.Defect("aggregate", "paper_not_extracted")
	})
}

func TestHandler(t *testing.T) {
	c := New(nil)
	c.StageTransition("convert", "failed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `evidence_engine_stage_transitions_total{stage="convert",state="failed"} 1`)
}
