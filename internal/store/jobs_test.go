package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sempervigil/sempervigil/internal/model"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "job_type", "payload", "status", "priority", "requested_at", "run_after",
		"started_at", "finished_at", "attempts", "max_attempts", "lease_owner",
		"lease_expires_at", "idempotency_key", "cancel_requested", "result", "error",
	})
}

func TestEnqueueInsertsJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), model.JobIngestSource, []byte(`{"source_id":"krebs"}`),
			0, now, 5, (*string)(nil)).
		WillReturnRows(jobRows().AddRow(
			"7b4a0a1e-0000-0000-0000-000000000001", model.JobIngestSource,
			[]byte(`{"source_id":"krebs"}`), model.JobStatusQueued, 0, now, now,
			nil, nil, 0, 5, nil, nil, nil, false, nil, nil,
		))

	job, err := s.Enqueue(context.Background(), model.EnqueueRequest{
		JobType:  model.JobIngestSource,
		Payload:  map[string]string{"source_id": "krebs"},
		RunAfter: now,
	})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusQueued, job.Status)
	require.Equal(t, model.JobIngestSource, job.JobType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDeduplicatesOnIdempotencyKey(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	key := "build_site"

	// Partial-index conflict: INSERT returns no row, the existing active
	// job is fetched instead.
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), model.JobBuildSite, []byte(`{}`), 0, now, 5, &key).
		WillReturnRows(jobRows())
	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs(key).
		WillReturnRows(jobRows().AddRow(
			"7b4a0a1e-0000-0000-0000-000000000002", model.JobBuildSite,
			[]byte(`{}`), model.JobStatusQueued, 0, now, now,
			nil, nil, 0, 5, nil, nil, &key, false, nil, nil,
		))

	job, err := s.Enqueue(context.Background(), model.EnqueueRequest{
		JobType:        model.JobBuildSite,
		RunAfter:       now,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.Equal(t, key, job.IdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRequiresJobType(t *testing.T) {
	t.Parallel()

	s, _ := newMockStore(t)
	_, err := s.Enqueue(context.Background(), model.EnqueueRequest{})
	require.Error(t, err)
	require.Equal(t, model.KindValidation, model.ClassifyErr(err))
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("worker-1", time.Minute, []string{model.JobIngestSource}).
		WillReturnRows(jobRows())

	job, err := s.Claim(context.Background(), "worker-1", []string{model.JobIngestSource}, time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	owner := "worker-1"
	lease := now.Add(time.Minute)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs(owner, time.Minute, []string{model.JobIngestSource, model.JobCveSync}).
		WillReturnRows(jobRows().AddRow(
			"7b4a0a1e-0000-0000-0000-000000000003", model.JobCveSync,
			[]byte(`{}`), model.JobStatusRunning, 0, now, now,
			&now, nil, 1, 5, &owner, &lease, nil, false, nil, nil,
		))

	job, err := s.Claim(context.Background(), owner,
		[]string{model.JobIngestSource, model.JobCveSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, model.JobStatusRunning, job.Status)
	require.Equal(t, owner, job.LeaseOwner)
	require.Equal(t, 1, job.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimWithNoTypesIsNoop(t *testing.T) {
	t.Parallel()

	s, _ := newMockStore(t)
	job, err := s.Claim(context.Background(), "worker-1", nil, time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestRenewLeaseReportsCancel(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET lease_expires_at").
		WithArgs(time.Minute, "job-1", "worker-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	cancel, err := s.RenewLease(context.Background(), "job-1", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, cancel)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewLeaseLost(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET lease_expires_at").
		WithArgs(time.Minute, "job-1", "worker-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}))

	_, err := s.RenewLease(context.Background(), "job-1", "worker-1", time.Minute)
	require.Error(t, err)
	require.Equal(t, model.KindCanceled, model.ClassifyErr(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJobRequiresRunningRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'succeeded'").
		WithArgs([]byte(`{"written":3}`), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteJob(context.Background(), "job-1", map[string]int{"written": 3})
	require.Error(t, err)
	require.Equal(t, model.KindNotFound, model.ClassifyErr(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("canceled"))

	status, err := s.RequestCancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCanceled, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAllCountsBothPhases(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'canceled'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 5))
	mock.ExpectExec("UPDATE jobs SET cancel_requested = TRUE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	canceled, signaled, err := s.CancelAll(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 5, canceled)
	require.EqualValues(t, 3, signaled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasActiveJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(model.JobBuildSite).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	active, err := s.HasActiveJob(context.Background(), model.JobBuildSite)
	require.NoError(t, err)
	require.True(t, active)
	require.NoError(t, mock.ExpectationsWereMet())
}
