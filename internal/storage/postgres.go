package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erilink/eri-gateway/internal/metrics"
	"github.com/erilink/eri-gateway/internal/model"
)

// PgxPool is the subset of a Postgres connection pool used by the store.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// postgres implements Store on PostgreSQL.
type postgres struct {
	db      PgxPool
	metrics *metrics.Metrics
}

// NewPostgres applies pending migrations, then opens a pool against dsn.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresWithPool(pool), nil
}

// NewPostgresWithPool wraps an existing pool. Migrations are not applied.
func NewPostgresWithPool(pool PgxPool) Store {
	return &postgres{db: pool, metrics: metrics.NewMetrics()}
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) observe(operation string, start time.Time, err error) {
	status := metrics.Status(err)
	p.metrics.StorageOperationTotal.WithLabelValues(operation, status).Inc()
	p.metrics.StorageOperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23503"
}

// marshalJSON encodes a JSONB column value. A nil map stays NULL.
func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

const returnColumns = `id, tenant_id, taxpayer_id, assessment_year, return_type, status, arn_number,
	acknowledgement_number, filed_date, last_validated_at, validation_errors, created_by, revision,
	created_at, updated_at`

func scanReturn(row pgx.Row) (*model.Return, error) {
	var r model.Return
	var status string
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.TaxpayerID,
		&r.AssessmentYear,
		&r.ReturnType,
		&status,
		&r.ARNNumber,
		&r.AcknowledgementNumber,
		&r.FiledDate,
		&r.LastValidatedAt,
		&r.ValidationErrors,
		&r.CreatedBy,
		&r.Revision,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.ReturnStatus(status)
	return &r, nil
}

// CreateReturn inserts the return and its first version in one transaction.
func (p *postgres) CreateReturn(ctx context.Context, r model.Return, first model.ReturnVersion) (err error) {
	defer func(start time.Time) { p.observe("create_return", start, err) }(time.Now())

	localJSON, err := marshalJSON(first.LocalData)
	if err != nil {
		return fmt.Errorf("failed to marshal local data: %w", err)
	}
	if localJSON == nil {
		localJSON = []byte("{}")
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	validationErrors := r.ValidationErrors
	if validationErrors == nil {
		validationErrors = []string{}
	}
	_, err = tx.Exec(ctx, `INSERT INTO returns (`+returnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TenantID, r.TaxpayerID, r.AssessmentYear, r.ReturnType, string(r.Status), r.ARNNumber,
		r.AcknowledgementNumber, r.FiledDate, r.LastValidatedAt, validationErrors, r.CreatedBy, r.Revision,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to create return: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO return_versions (return_id, version, local_data, notes, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		first.ReturnID, first.Version, localJSON, first.Notes, first.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create return version: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit return: %w", err)
	}
	return nil
}

func (p *postgres) GetReturn(ctx context.Context, tenantID, id string) (_ *model.Return, err error) {
	defer func(start time.Time) { p.observe("get_return", start, err) }(time.Now())

	r, err := scanReturn(p.db.QueryRow(ctx,
		`SELECT `+returnColumns+` FROM returns WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get return: %w", err)
	}
	return r, nil
}

// filter accumulates WHERE clauses with positional arguments.
type filter struct {
	clauses []string
	args    []any
}

func (f *filter) add(clause string, arg any) {
	f.args = append(f.args, arg)
	f.clauses = append(f.clauses, fmt.Sprintf(clause, len(f.args)))
}

func (f *filter) where() string { return " WHERE " + strings.Join(f.clauses, " AND ") }

func (f *filter) next() int { return len(f.args) + 1 }

func (p *postgres) ListReturns(ctx context.Context, q model.ReturnQuery) (_ []model.Return, _ int, err error) {
	defer func(start time.Time) { p.observe("list_returns", start, err) }(time.Now())

	f := &filter{}
	f.add("tenant_id = $%d", q.TenantID)
	if q.TaxpayerID != "" {
		f.add("taxpayer_id = $%d", q.TaxpayerID)
	}
	if q.Status != "" {
		f.add("status = $%d", string(q.Status))
	}
	if q.AssessmentYear != "" {
		f.add("assessment_year = $%d", q.AssessmentYear)
	}

	var total int
	if err = p.db.QueryRow(ctx, `SELECT COUNT(*) FROM returns`+f.where(), f.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count returns: %w", err)
	}

	page, size := NormalizePage(q.Page, q.PageSize)
	query := `SELECT ` + returnColumns + ` FROM returns` + f.where() +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", f.next(), f.next()+1)
	args := append(f.args, size, (page-1)*size)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list returns: %w", err)
	}
	defer rows.Close()

	out := make([]model.Return, 0)
	for rows.Next() {
		r, serr := scanReturn(rows)
		if serr != nil {
			return nil, 0, fmt.Errorf("failed to scan return: %w", serr)
		}
		out = append(out, *r)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating returns: %w", err)
	}
	return out, total, nil
}

// UpdateReturn writes r only if the stored revision is r.Revision-1.
func (p *postgres) UpdateReturn(ctx context.Context, r model.Return) (err error) {
	defer func(start time.Time) { p.observe("update_return", start, err) }(time.Now())

	validationErrors := r.ValidationErrors
	if validationErrors == nil {
		validationErrors = []string{}
	}
	tag, err := p.db.Exec(ctx, `UPDATE returns SET status = $4, arn_number = $5, acknowledgement_number = $6,
		filed_date = $7, last_validated_at = $8, validation_errors = $9, revision = $10, updated_at = $11
		WHERE id = $1 AND tenant_id = $2 AND revision = $3`,
		r.ID, r.TenantID, r.Revision-1, string(r.Status), r.ARNNumber, r.AcknowledgementNumber,
		r.FiledDate, r.LastValidatedAt, validationErrors, r.Revision, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update return: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current int64
	err = p.db.QueryRow(ctx, `SELECT revision FROM returns WHERE id = $1 AND tenant_id = $2`,
		r.ID, r.TenantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read return revision: %w", err)
	}
	return ErrConflict
}

func (p *postgres) AppendVersion(ctx context.Context, v model.ReturnVersion) (err error) {
	defer func(start time.Time) { p.observe("append_version", start, err) }(time.Now())

	localJSON, err := marshalJSON(v.LocalData)
	if err != nil {
		return fmt.Errorf("failed to marshal local data: %w", err)
	}
	if localJSON == nil {
		localJSON = []byte("{}")
	}
	_, err = p.db.Exec(ctx, `INSERT INTO return_versions (return_id, version, local_data, notes, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ReturnID, v.Version, localJSON, v.Notes, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

func (p *postgres) LatestVersion(ctx context.Context, returnID string) (_ *model.ReturnVersion, err error) {
	defer func(start time.Time) { p.observe("latest_version", start, err) }(time.Now())

	var v model.ReturnVersion
	var localJSON, payloadJSON []byte
	err = p.db.QueryRow(ctx, `SELECT return_id, version, local_data, itr_payload, notes, created_at
		FROM return_versions WHERE return_id = $1 ORDER BY version DESC LIMIT 1`, returnID).Scan(
		&v.ReturnID, &v.Version, &localJSON, &payloadJSON, &v.Notes, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest version: %w", err)
	}
	if v.LocalData, err = unmarshalJSON(localJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local data: %w", err)
	}
	if v.ITRPayload, err = unmarshalJSON(payloadJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &v, nil
}

func (p *postgres) SetVersionPayload(ctx context.Context, returnID string, version int, payload map[string]any) (err error) {
	defer func(start time.Time) { p.observe("set_version_payload", start, err) }(time.Now())

	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	tag, err := p.db.Exec(ctx, `UPDATE return_versions SET itr_payload = $3 WHERE return_id = $1 AND version = $2`,
		returnID, version, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) UpsertVerification(ctx context.Context, v model.Verification) (err error) {
	defer func(start time.Time) { p.observe("upsert_verification", start, err) }(time.Now())

	_, err = p.db.Exec(ctx, `INSERT INTO verifications
		(return_id, mode, evc_token, evc_expires_at, evc_attempts, is_verified, verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (return_id) DO UPDATE SET mode = EXCLUDED.mode, evc_token = EXCLUDED.evc_token,
		evc_expires_at = EXCLUDED.evc_expires_at, evc_attempts = EXCLUDED.evc_attempts,
		is_verified = EXCLUDED.is_verified, verified_at = EXCLUDED.verified_at, updated_at = EXCLUDED.updated_at`,
		v.ReturnID, string(v.Mode), v.EVCToken, v.EVCExpiresAt, v.EVCAttempts, v.IsVerified, v.VerifiedAt,
		v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

func (p *postgres) GetVerification(ctx context.Context, returnID string) (_ *model.Verification, err error) {
	defer func(start time.Time) { p.observe("get_verification", start, err) }(time.Now())

	var v model.Verification
	var mode string
	err = p.db.QueryRow(ctx, `SELECT return_id, mode, evc_token, evc_expires_at, evc_attempts, is_verified,
		verified_at, created_at, updated_at FROM verifications WHERE return_id = $1`, returnID).Scan(
		&v.ReturnID, &mode, &v.EVCToken, &v.EVCExpiresAt, &v.EVCAttempts, &v.IsVerified,
		&v.VerifiedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	v.Mode = model.VerificationMode(mode)
	return &v, nil
}

func (p *postgres) CreateAcknowledgement(ctx context.Context, a model.Acknowledgement) (err error) {
	defer func(start time.Time) { p.observe("create_acknowledgement", start, err) }(time.Now())

	_, err = p.db.Exec(ctx, `INSERT INTO acknowledgements
		(return_id, storage_key, storage_bucket, file_size, download_count, last_download_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ReturnID, a.StorageKey, a.StorageBucket, a.FileSize, a.DownloadCount, a.LastDownloadAt, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to create acknowledgement: %w", err)
	}
	return nil
}

const ackColumns = `return_id, storage_key, storage_bucket, file_size, download_count, last_download_at, created_at`

func scanAck(row pgx.Row) (*model.Acknowledgement, error) {
	var a model.Acknowledgement
	if err := row.Scan(&a.ReturnID, &a.StorageKey, &a.StorageBucket, &a.FileSize, &a.DownloadCount,
		&a.LastDownloadAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *postgres) GetAcknowledgement(ctx context.Context, returnID string) (_ *model.Acknowledgement, err error) {
	defer func(start time.Time) { p.observe("get_acknowledgement", start, err) }(time.Now())

	a, err := scanAck(p.db.QueryRow(ctx, `SELECT `+ackColumns+` FROM acknowledgements WHERE return_id = $1`, returnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get acknowledgement: %w", err)
	}
	return a, nil
}

func (p *postgres) RecordAcknowledgementDownload(ctx context.Context, returnID string, at time.Time) (_ *model.Acknowledgement, err error) {
	defer func(start time.Time) { p.observe("record_download", start, err) }(time.Now())

	a, err := scanAck(p.db.QueryRow(ctx, `UPDATE acknowledgements
		SET download_count = download_count + 1, last_download_at = $2
		WHERE return_id = $1 RETURNING `+ackColumns, returnID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to record download: %w", err)
	}
	return a, nil
}

const taxpayerColumns = `id, tenant_id, first_name, last_name, email, mobile, pan_hash, pan_enc, dob_enc,
	is_linked, linked_at, linkage_token, created_by, created_at, updated_at`

func scanTaxpayer(row pgx.Row) (*model.Taxpayer, error) {
	var t model.Taxpayer
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.FirstName,
		&t.LastName,
		&t.Email,
		&t.Mobile,
		&t.PANHash,
		&t.PANCiphertext,
		&t.DOBCiphertext,
		&t.IsLinked,
		&t.LinkedAt,
		&t.LinkageToken,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *postgres) CreateTaxpayer(ctx context.Context, t model.Taxpayer) (err error) {
	defer func(start time.Time) { p.observe("create_taxpayer", start, err) }(time.Now())

	_, err = p.db.Exec(ctx, `INSERT INTO taxpayers (`+taxpayerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.TenantID, t.FirstName, t.LastName, t.Email, t.Mobile, t.PANHash, t.PANCiphertext,
		t.DOBCiphertext, t.IsLinked, t.LinkedAt, t.LinkageToken, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create taxpayer: %w", err)
	}
	return nil
}

func (p *postgres) GetTaxpayer(ctx context.Context, tenantID, id string) (_ *model.Taxpayer, err error) {
	defer func(start time.Time) { p.observe("get_taxpayer", start, err) }(time.Now())

	t, err := scanTaxpayer(p.db.QueryRow(ctx,
		`SELECT `+taxpayerColumns+` FROM taxpayers WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get taxpayer: %w", err)
	}
	return t, nil
}

func (p *postgres) ListTaxpayers(ctx context.Context, tenantID string, page, pageSize int) (_ []model.Taxpayer, _ int, err error) {
	defer func(start time.Time) { p.observe("list_taxpayers", start, err) }(time.Now())

	var total int
	if err = p.db.QueryRow(ctx, `SELECT COUNT(*) FROM taxpayers WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count taxpayers: %w", err)
	}

	page, pageSize = NormalizePage(page, pageSize)
	rows, err := p.db.Query(ctx, `SELECT `+taxpayerColumns+` FROM taxpayers WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, tenantID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list taxpayers: %w", err)
	}
	defer rows.Close()

	out := make([]model.Taxpayer, 0)
	for rows.Next() {
		t, serr := scanTaxpayer(rows)
		if serr != nil {
			return nil, 0, fmt.Errorf("failed to scan taxpayer: %w", serr)
		}
		out = append(out, *t)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating taxpayers: %w", err)
	}
	return out, total, nil
}

// UpdateTaxpayer writes the mutable fields. PAN columns are never rewritten.
func (p *postgres) UpdateTaxpayer(ctx context.Context, t model.Taxpayer) (err error) {
	defer func(start time.Time) { p.observe("update_taxpayer", start, err) }(time.Now())

	tag, err := p.db.Exec(ctx, `UPDATE taxpayers SET first_name = $3, last_name = $4, email = $5, mobile = $6,
		is_linked = $7, linked_at = $8, linkage_token = $9, updated_at = $10
		WHERE id = $1 AND tenant_id = $2`,
		t.ID, t.TenantID, t.FirstName, t.LastName, t.Email, t.Mobile, t.IsLinked, t.LinkedAt, t.LinkageToken, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update taxpayer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) UpsertPrefill(ctx context.Context, pf model.Prefill) (err error) {
	defer func(start time.Time) { p.observe("upsert_prefill", start, err) }(time.Now())

	dataJSON, err := marshalJSON(pf.NormalizedData)
	if err != nil {
		return fmt.Errorf("failed to marshal prefill: %w", err)
	}
	_, err = p.db.Exec(ctx, `INSERT INTO prefill_data
		(tenant_id, taxpayer_id, assessment_year, encrypted_payload, normalized_data, is_fetched, is_decrypted,
		otp_token, otp_expires_at, fetched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, taxpayer_id, assessment_year) DO UPDATE SET
		encrypted_payload = EXCLUDED.encrypted_payload, normalized_data = EXCLUDED.normalized_data,
		is_fetched = EXCLUDED.is_fetched, is_decrypted = EXCLUDED.is_decrypted, otp_token = EXCLUDED.otp_token,
		otp_expires_at = EXCLUDED.otp_expires_at, fetched_at = EXCLUDED.fetched_at, updated_at = EXCLUDED.updated_at`,
		pf.TenantID, pf.TaxpayerID, pf.AssessmentYear, pf.EncryptedPayload, dataJSON, pf.IsFetched, pf.IsDecrypted,
		pf.OTPToken, pf.OTPExpiresAt, pf.FetchedAt, pf.CreatedAt, pf.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert prefill: %w", err)
	}
	return nil
}

func (p *postgres) GetPrefill(ctx context.Context, tenantID, taxpayerID, assessmentYear string) (_ *model.Prefill, err error) {
	defer func(start time.Time) { p.observe("get_prefill", start, err) }(time.Now())

	var pf model.Prefill
	var dataJSON []byte
	err = p.db.QueryRow(ctx, `SELECT tenant_id, taxpayer_id, assessment_year, encrypted_payload, normalized_data,
		is_fetched, is_decrypted, otp_token, otp_expires_at, fetched_at, created_at, updated_at
		FROM prefill_data WHERE tenant_id = $1 AND taxpayer_id = $2 AND assessment_year = $3`,
		tenantID, taxpayerID, assessmentYear).Scan(
		&pf.TenantID, &pf.TaxpayerID, &pf.AssessmentYear, &pf.EncryptedPayload, &dataJSON,
		&pf.IsFetched, &pf.IsDecrypted, &pf.OTPToken, &pf.OTPExpiresAt, &pf.FetchedAt, &pf.CreatedAt, &pf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get prefill: %w", err)
	}
	if pf.NormalizedData, err = unmarshalJSON(dataJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prefill: %w", err)
	}
	return &pf, nil
}

func (p *postgres) AppendAudit(ctx context.Context, e model.AuditEntry) (err error) {
	defer func(start time.Time) { p.observe("append_audit", start, err) }(time.Now())

	reqJSON, err := marshalJSON(e.RequestPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit request: %w", err)
	}
	respJSON, err := marshalJSON(e.ResponseBody)
	if err != nil {
		return fmt.Errorf("failed to marshal audit response: %w", err)
	}
	if reqJSON == nil {
		reqJSON = []byte("{}")
	}
	if respJSON == nil {
		respJSON = []byte("{}")
	}
	_, err = p.db.Exec(ctx, `INSERT INTO audit_entries (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.TenantID, e.UserID, e.OperationType, e.Endpoint, reqJSON, e.ResponseStatus, respJSON,
		e.DurationMS, e.IsError, e.ErrorMessage, e.ReferenceID, e.ReferenceType, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

const auditColumns = `id, tenant_id, user_id, operation_type, endpoint, request_payload, response_status,
	response_body, duration_ms, is_error, error_message, reference_id, reference_type, created_at`

func (p *postgres) ListAudit(ctx context.Context, q model.AuditQuery) (_ []model.AuditEntry, _ int, err error) {
	defer func(start time.Time) { p.observe("list_audit", start, err) }(time.Now())

	f := &filter{}
	f.add("tenant_id = $%d", q.TenantID)
	if q.OperationType != "" {
		f.add("operation_type = $%d", q.OperationType)
	}
	if q.IsError != nil {
		f.add("is_error = $%d", *q.IsError)
	}
	if !q.Since.IsZero() {
		f.add("created_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		f.add("created_at < $%d", q.Until)
	}

	var total int
	if err = p.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+f.where(), f.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	page, size := NormalizePage(q.Page, q.PageSize)
	query := `SELECT ` + auditColumns + ` FROM audit_entries` + f.where() +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", f.next(), f.next()+1)
	args := append(f.args, size, (page-1)*size)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.AuditEntry, 0)
	for rows.Next() {
		var e model.AuditEntry
		var reqJSON, respJSON []byte
		if err = rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.OperationType, &e.Endpoint, &reqJSON,
			&e.ResponseStatus, &respJSON, &e.DurationMS, &e.IsError, &e.ErrorMessage, &e.ReferenceID,
			&e.ReferenceType, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.RequestPayload, err = unmarshalJSON(reqJSON); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal audit request: %w", err)
		}
		if e.ResponseBody, err = unmarshalJSON(respJSON); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal audit response: %w", err)
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return out, total, nil
}
