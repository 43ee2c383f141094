package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}

func TestForJobAnnotatesEntries(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logger := ForJob(zap.New(core), "6e3f0c9a-1b2d-4e5f-8a9b-0c1d2e3f4a5b", "cve_sync")
	logger.Info("claimed")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "6e3f0c9a-1b2d-4e5f-8a9b-0c1d2e3f4a5b", fields["job_id"])
	assert.Equal(t, "cve_sync", fields["job_type"])
}
