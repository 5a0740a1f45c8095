package tenant

import (
	"context"
	"strconv"
	"time"

	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/core/storage/postgres"

	"github.com/jackc/pgx/v5"
)

const loadTenantsSQL = `
	SELECT id, nome, slug,
		COALESCE(db_schema, ''), COALESCE(db_connection_string, ''),
		status, COALESCE(status_mensagem, ''),
		COALESCE(ativo, false), COALESCE(banco_criado, false), COALESCE(modo_manutencao, false),
		updated_at
	FROM municipios
	ORDER BY id`

// PostgresSource reads the municipios directory from the central database
type PostgresSource struct {
	db        *postgres.Storage
	sharedDSN string
	timeout   time.Duration
}

var (
	_ Source       = (*PostgresSource)(nil)
	_ StatusWriter = (*PostgresSource)(nil)
)

// NewPostgresSource creates the source; sharedDSN serves tenants without a DSN of their own
func NewPostgresSource(db *postgres.Storage, sharedDSN string) *PostgresSource {
	return &PostgresSource{db: db, sharedDSN: sharedDSN, timeout: 10 * time.Second}
}

// Load returns every tenant row. Rows with an unusable schema or status are
// skipped and logged so one bad row cannot empty the directory.
func (s *PostgresSource) Load(ctx context.Context) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.Query(ctx, loadTenantsSQL)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query tenants")
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan tenant")
		}
		d, err := rec.Descriptor(s.sharedDSN)
		if err != nil {
			corelog.Warnf("PostgresSource: skipping tenant %s: %v", rec.ID, err)
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to iterate tenants")
	}
	return out, nil
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var (
		rec       Record
		id        int64
		updatedAt *time.Time
	)
	err := rows.Scan(&id, &rec.Name, &rec.Slug, &rec.DBSchema, &rec.DSN,
		&rec.Status, &rec.StatusMessage,
		&rec.Active, &rec.StorageProvisioned, &rec.MaintenanceMode,
		&updatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.ID = strconv.FormatInt(id, 10)
	if updatedAt != nil {
		rec.UpdatedAt = *updatedAt
	}
	return rec, nil
}

// MarkStatus persists a status transition using the stored status spelling
func (s *PostgresSource) MarkStatus(ctx context.Context, id string, status Status, message string) error {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return coreerrors.Newf(coreerrors.CodeInvalidParam, "invalid tenant id %q", id)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		UPDATE municipios SET
			status = $2,
			status_mensagem = NULLIF($3, ''),
			banco_criado = banco_criado OR $4,
			updated_at = now()
		WHERE id = $1
	`, numericID, status.Stored(), message, status == StatusReady)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to update tenant status")
	}
	if tag.RowsAffected() == 0 {
		return coreerrors.ErrTenantNotFound
	}
	return nil
}
