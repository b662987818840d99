package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveAuthzDecision(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveAuthzDecision("application.create", true)
	m.ObserveAuthzDecision("application.create", false)
	m.ObserveAuthzDecision("application.create", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("application.create", "allow")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("application.create", "deny")))
}

func TestObserveArtifactFetch(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveArtifactFetch("identity_ca", true)
	m.ObserveArtifactFetch("identity_ca", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArtifactFetchesTotal.WithLabelValues("identity_ca", "not_modified")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArtifactFetchesTotal.WithLabelValues("identity_ca", "regenerated")))
}

func TestObserveHTTPRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveHTTPRequest("GET", "/api/groups", 200, 25*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/groups", "200")))
}

func TestObserveLogin(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveLogin(false)
	m.ObserveLogin(false)
	m.ObserveLogin(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.LoginAttemptsTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LoginAttemptsTotal.WithLabelValues("success")))
}
