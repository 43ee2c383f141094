package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, SeverityNone.Rank())
	assert.Equal(t, 4, SeverityCritical.Rank())
	assert.Equal(t, 2, Severity("medium").Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityMedium, SeverityHigh))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityLow))
}

func TestProductKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "microsoft/exchange_server", ProductKey(" Microsoft", "Exchange_Server "))
	assert.Equal(t, "red_hat/openshift_container_platform", ProductKey("Red Hat", "OpenShift Container Platform"))
}

func TestStableIDDeterministic(t *testing.T) {
	t.Parallel()

	a := StableID("https://example.com/post", "src-1")
	b := StableID("https://example.com/post", "src-1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, StableID("https://example.com/post", "src-2"))
}
