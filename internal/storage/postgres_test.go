package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/erilink/eri-gateway/internal/model"
)

func newPG(t *testing.T) (Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPostgresWithPool(mock), mock
}

var returnCols = []string{
	"id", "tenant_id", "taxpayer_id", "assessment_year", "return_type", "status", "arn_number",
	"acknowledgement_number", "filed_date", "last_validated_at", "validation_errors", "created_by",
	"revision", "created_at", "updated_at",
}

func TestPostgresGetReturn(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	filed := base.Add(time.Hour)
	mock.ExpectQuery(`SELECT id, tenant_id, .* FROM returns WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("r1", "acme").
		WillReturnRows(pgxmock.NewRows(returnCols).AddRow(
			"r1", "acme", "tp-1", "2024-25", "ITR-2", "SUBMITTED", "ARN1",
			"ACK1", &filed, (*time.Time)(nil), []string{}, "u1",
			int64(4), base, base,
		))

	got, err := s.GetReturn(context.Background(), "acme", "r1")
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
	require.Equal(t, "ARN1", got.ARNNumber)
	require.Equal(t, filed, *got.FiledDate)
	require.Nil(t, got.LastValidatedAt)
	require.Equal(t, int64(4), got.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetReturnNotFound(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM returns WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("r1", "acme").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReturn(context.Background(), "acme", "r1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresCreateReturnCommits(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO returns`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO return_versions`).
		WithArgs("r1", 1, []byte("{}"), "", base).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CreateReturn(context.Background(), newReturn("r1", "acme", base), model.ReturnVersion{ReturnID: "r1", Version: 1, CreatedAt: base})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateReturnUnknownTaxpayerRollsBack(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO returns`).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	err := s.CreateReturn(context.Background(), newReturn("r1", "acme", base), firstVersion("r1"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateReturnRevision(t *testing.T) {
	r := newReturn("r1", "acme", base)
	r.Status = model.StatusValidating
	r.Revision = 3

	t.Run("ok", func(t *testing.T) {
		s, mock := newPG(t)
		defer mock.Close()
		mock.ExpectExec(`UPDATE returns SET status = \$4`).
			WithArgs("r1", "acme", int64(2), "VALIDATING", pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, s.UpdateReturn(context.Background(), r))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale", func(t *testing.T) {
		s, mock := newPG(t)
		defer mock.Close()
		mock.ExpectExec(`UPDATE returns SET status`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT revision FROM returns`).
			WithArgs("r1", "acme").
			WillReturnRows(pgxmock.NewRows([]string{"revision"}).AddRow(int64(5)))
		require.ErrorIs(t, s.UpdateReturn(context.Background(), r), ErrConflict)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newPG(t)
		defer mock.Close()
		mock.ExpectExec(`UPDATE returns SET status`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT revision FROM returns`).
			WithArgs("r1", "acme").
			WillReturnError(pgx.ErrNoRows)
		require.ErrorIs(t, s.UpdateReturn(context.Background(), r), ErrNotFound)
	})
}

func TestPostgresCreateTaxpayerDuplicatePAN(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO taxpayers`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateTaxpayer(context.Background(), model.Taxpayer{ID: "t1", TenantID: "acme", PANHash: "h"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestPostgresSetVersionPayloadMissing(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE return_versions SET itr_payload = \$3`).
		WithArgs("r1", 9, []byte(`{"itrType":"ITR-2"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetVersionPayload(context.Background(), "r1", 9, map[string]any{"itrType": "ITR-2"})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAuditBuildsFilters(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	yes := true
	q := model.AuditQuery{TenantID: "acme", OperationType: "ERI_LOGIN", IsError: &yes, Page: 2, PageSize: 10}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_entries WHERE tenant_id = \$1 AND operation_type = \$2 AND is_error = \$3`).
		WithArgs("acme", "ERI_LOGIN", true).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery(`ORDER BY created_at DESC, id DESC LIMIT \$4 OFFSET \$5`).
		WithArgs("acme", "ERI_LOGIN", true, 10, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tenant_id", "user_id", "operation_type", "endpoint", "request_payload", "response_status",
			"response_body", "duration_ms", "is_error", "error_message", "reference_id", "reference_type", "created_at",
		}).AddRow(
			"a1", "acme", "", "ERI_LOGIN", "/login", []byte(`{"pan":"***REDACTED***"}`), 401,
			[]byte(`{}`), int64(12), true, "bad credentials", "", "", base,
		))

	entries, total, err := s.ListAudit(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 11, total)
	require.Len(t, entries, 1)
	require.Equal(t, "***REDACTED***", entries[0].RequestPayload["pan"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordDownload(t *testing.T) {
	s, mock := newPG(t)
	defer mock.Close()

	at := base.Add(time.Minute)
	mock.ExpectQuery(`UPDATE acknowledgements\s+SET download_count = download_count \+ 1`).
		WithArgs("r1", at).
		WillReturnRows(pgxmock.NewRows([]string{
			"return_id", "storage_key", "storage_bucket", "file_size", "download_count", "last_download_at", "created_at",
		}).AddRow("r1", "ack/acme/r1/acknowledgement.pdf", "eri", int64(42), 2, &at, base))

	a, err := s.RecordAcknowledgementDownload(context.Background(), "r1", at)
	require.NoError(t, err)
	require.Equal(t, 2, a.DownloadCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
