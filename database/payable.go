package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const payableColumns = `payable_id, merchant_wallet_id, amount, fee, payment_date, status, anticipation_id, backup, created_at`

func scanPayable(row scanner) (*model.Payable, error) {
	p := model.Payable{}
	var (
		anticipationID sql.NullString
		backup         []byte
	)
	err := row.Scan(&p.PayableID, &p.MerchantWalletID, &p.Amount, &p.Fee, &p.PaymentDate, &p.Status, &anticipationID, &backup, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if anticipationID.Valid {
		id := anticipationID.String
		p.AnticipationID = &id
	}
	if len(backup) > 0 {
		p.Backup = &model.PayableBackup{}
		if err := json.Unmarshal(backup, p.Backup); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (d Datasource) CreatePayable(ctx context.Context, p *model.Payable) error {
	ctx, span := otel.Tracer("Payables").Start(ctx, "Saving payable to db")
	defer span.End()

	if p.PayableID == "" {
		p.PayableID = model.GenerateUUIDWithSuffix("payable")
	}
	p.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.payables (payable_id, merchant_wallet_id, amount, fee, payment_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.PayableID, p.MerchantWalletID, p.Amount, p.Fee, p.PaymentDate, p.Status, p.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save payable", err)
	}
	return nil
}

func (d Datasource) GetPayables(ctx context.Context, ids []string) ([]*model.Payable, error) {
	ctx, span := otel.Tracer("Payables").Start(ctx, "Fetching payables by id")
	defer span.End()

	return d.queryPayables(ctx, `
		SELECT `+payableColumns+`
		FROM settle.payables
		WHERE payable_id = ANY($1)
		ORDER BY payment_date ASC
	`, pq.Array(ids))
}

func (d Datasource) GetPayablesByAnticipation(ctx context.Context, anticipationID string) ([]*model.Payable, error) {
	ctx, span := otel.Tracer("Payables").Start(ctx, "Fetching payables by anticipation")
	defer span.End()

	return d.queryPayables(ctx, `
		SELECT `+payableColumns+`
		FROM settle.payables
		WHERE anticipation_id = $1
		ORDER BY payment_date ASC
	`, anticipationID)
}

func (d Datasource) queryPayables(ctx context.Context, query string, args ...interface{}) ([]*model.Payable, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payables", err)
	}
	defer rows.Close()

	payables := []*model.Payable{}
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payable", err)
		}
		payables = append(payables, p)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over payables", err)
	}
	return payables, nil
}

// LinkPayables attaches existing payables to an anticipation and inserts the
// payables the anticipation creates, in one transaction. The first backup of
// a payable wins, so a repeated link never overwrites the original fields.
func (d Datasource) LinkPayables(ctx context.Context, anticipationID string, linked, created []*model.Payable) error {
	ctx, span := otel.Tracer("Payables").Start(ctx, "Linking payables to anticipation")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, p := range linked {
		backup, err := json.Marshal(p.Backup)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payable backup", err)
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE settle.payables
			SET backup = COALESCE(backup, $2), anticipation_id = $3, amount = $4, fee = $5, payment_date = $6, status = $7, updated_at = NOW()
			WHERE payable_id = $1 AND (anticipation_id IS NULL OR anticipation_id = $3)
		`, p.PayableID, backup, anticipationID, p.Amount, p.Fee, p.PaymentDate, p.Status)
		if err != nil {
			span.RecordError(err)
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to link payable", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		if rowsAffected == 0 {
			return apierror.NewAPIError(apierror.ErrConflict, "Payable is missing or linked to another anticipation", p.PayableID)
		}
	}

	for _, p := range created {
		if p.PayableID == "" {
			p.PayableID = model.GenerateUUIDWithSuffix("payable")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settle.payables (payable_id, merchant_wallet_id, amount, fee, payment_date, status, anticipation_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (payable_id) DO NOTHING
		`, p.PayableID, p.MerchantWalletID, p.Amount, p.Fee, p.PaymentDate, p.Status, anticipationID)
		if err != nil {
			span.RecordError(err)
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert anticipation payable", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit payable links", err)
	}
	return nil
}

// RestorePayables undoes LinkPayables in one transaction: payables with a
// backup get their fields back and lose the anticipation link, payables
// without one were created by the anticipation and are deleted.
func (d Datasource) RestorePayables(ctx context.Context, anticipationID string) (int64, int64, error) {
	ctx, span := otel.Tracer("Payables").Start(ctx, "Restoring anticipation payables")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE settle.payables
		SET amount = (backup->>'amount')::numeric,
			fee = (backup->>'fee')::numeric,
			payment_date = (backup->>'payment_date')::timestamptz,
			status = backup->>'status',
			anticipation_id = NULL,
			backup = NULL,
			updated_at = NOW()
		WHERE anticipation_id = $1 AND backup IS NOT NULL
	`, anticipationID)
	if err != nil {
		span.RecordError(err)
		return 0, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to restore payables", err)
	}
	restored, err := result.RowsAffected()
	if err != nil {
		return 0, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	result, err = tx.ExecContext(ctx, `
		DELETE FROM settle.payables
		WHERE anticipation_id = $1 AND backup IS NULL
	`, anticipationID)
	if err != nil {
		span.RecordError(err)
		return 0, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete anticipation payables", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit payable restore", err)
	}
	return restored, deleted, nil
}
