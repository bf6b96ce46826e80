package repo

import (
	"context"
	"database/sql"
	"time"

	"stagegate/internal/domain"
)

func timeNowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const gateColumns = `id,project_id,transition_type,from_state,to_state,amount,currency,status,created_at,expires_at,transaction_id,processed_at,resolution_json`

func scanGate(scan func(dest ...any) error) (domain.PaymentGate, error) {
	var g domain.PaymentGate
	var txn, processed, resolution sql.NullString
	err := scan(&g.ID, &g.ProjectID, &g.TransitionType, &g.FromState, &g.ToState, &g.Amount, &g.Currency, &g.Status, &g.CreatedAt, &g.ExpiresAt, &txn, &processed, &resolution)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if txn.Valid {
		g.TransactionID = &txn.String
	}
	if processed.Valid {
		g.ProcessedAt = &processed.String
	}
	if resolution.Valid {
		g.ResolutionJSON = &resolution.String
	}
	return g, nil
}

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.PaymentGate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_gates(`+gateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.TransitionType, g.FromState, g.ToState, g.Amount, g.Currency, g.Status, g.CreatedAt, g.ExpiresAt,
		nullableStringPtr(g.TransactionID), nullableStringPtr(g.ProcessedAt), nullableStringPtr(g.ResolutionJSON))
	return err
}

func (r Repo) GetGate(ctx context.Context, gateID string) (domain.PaymentGate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM payment_gates WHERE id=?`, gateID)
	return scanGate(row.Scan)
}

func (r Repo) GetGateTx(ctx context.Context, tx *sql.Tx, gateID string) (domain.PaymentGate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM payment_gates WHERE id=?`, gateID)
	return scanGate(row.Scan)
}

// ListGates returns the project's gates filtered by status; all when status
// is empty.
func (r Repo) ListGates(ctx context.Context, projectID string, status domain.PaymentGateStatus) ([]domain.PaymentGate, error) {
	query := `SELECT ` + gateColumns + ` FROM payment_gates WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentGate
	for rows.Next() {
		g, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// PendingGateFor returns the pending gate matching a transition target, if
// one exists.
func (r Repo) PendingGateFor(ctx context.Context, projectID, toState string) (domain.PaymentGate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM payment_gates WHERE project_id=? AND to_state=? AND status='pending' ORDER BY created_at DESC LIMIT 1`,
		projectID, toState)
	return scanGate(row.Scan)
}

// ConfirmedGateFor returns the most recent confirmed gate for a transition
// target, if one exists.
func (r Repo) ConfirmedGateFor(ctx context.Context, projectID, toState string) (domain.PaymentGate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM payment_gates WHERE project_id=? AND to_state=? AND status='confirmed' ORDER BY processed_at DESC LIMIT 1`,
		projectID, toState)
	return scanGate(row.Scan)
}

// ResolveGate moves a pending gate to its processed, immutable status. The
// WHERE clause guards against double processing.
func (r Repo) ResolveGate(ctx context.Context, tx *sql.Tx, gateID string, status domain.PaymentGateStatus, transactionID *string, processedAt string, resolutionJSON string) error {
	res, err := tx.ExecContext(ctx, `UPDATE payment_gates SET status=?,transaction_id=?,processed_at=?,resolution_json=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(transactionID), processedAt, nullable(resolutionJSON), gateID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransactionIDUsed reports whether a transaction ID was already consumed by
// any processed gate.
func (r Repo) TransactionIDUsed(ctx context.Context, transactionID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM payment_gates WHERE transaction_id=? LIMIT 1`, transactionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
