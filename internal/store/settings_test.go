package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestRuntimeConfigSnapshot(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT version, data FROM runtime_config").
		WillReturnRows(pgxmock.NewRows([]string{"version", "data"}).
			AddRow(int64(7), []byte(`{"llm.fail_open":true,"events.window_days":14,"build.base_url":"https://vigil.example"}`)))

	snap, err := s.RuntimeConfig(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, snap.Version)
	require.True(t, snap.Bool("llm.fail_open", false))
	require.Equal(t, 14, snap.Int("events.window_days", 30))
	require.Equal(t, "https://vigil.example", snap.String("build.base_url", ""))
	require.Equal(t, "fallback", snap.String("missing", "fallback"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatchRuntimeConfigMerges(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	patch := map[string]json.RawMessage{
		"llm.fail_open": json.RawMessage(`false`),
	}
	mock.ExpectQuery("UPDATE runtime_config SET").
		WithArgs([]byte(`{"llm.fail_open":false}`)).
		WillReturnRows(pgxmock.NewRows([]string{"version", "data"}).
			AddRow(int64(8), []byte(`{"llm.fail_open":false,"events.window_days":14}`)))

	snap, err := s.PatchRuntimeConfig(context.Background(), patch)
	require.NoError(t, err)
	require.EqualValues(t, 8, snap.Version)
	require.False(t, snap.Bool("llm.fail_open", true))
	require.Equal(t, 14, snap.Int("events.window_days", 0))
	require.NoError(t, mock.ExpectationsWereMet())
}
