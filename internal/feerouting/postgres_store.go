package feerouting

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/storage"
)

// PostgresStore persists shell wallets and fee transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fee routing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *ShellWallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shell_wallets (id, address, balance, is_active, cycle_number, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.Address, w.Balance, w.IsActive, w.CycleNumber, w.CreatedAt, nullTime(w.LastUsedAt),
	)
	return storage.Classify(err)
}

const walletColumns = `id, address, balance, is_active, cycle_number, created_at, last_used_at`

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*ShellWallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM shell_wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, storage.Classify(err)
}

func (p *PostgresStore) ListEligibleWallets(ctx context.Context, maxBalance int64) ([]*ShellWallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+`
		FROM shell_wallets
		WHERE is_active AND balance < $1
		ORDER BY balance ASC, created_at ASC`, maxBalance)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	result := []*ShellWallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, storage.Classify(rows.Err())
}

func (p *PostgresStore) AddToBalance(ctx context.Context, walletID string, amount int64, usedAt time.Time) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE shell_wallets
		SET balance = balance + $1, last_used_at = $2
		WHERE id = $3
		RETURNING balance`,
		amount, usedAt, walletID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	return balance, storage.Classify(err)
}

func (p *PostgresStore) CountActiveWallets(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shell_wallets WHERE is_active`).Scan(&n)
	return n, storage.Classify(err)
}

func (p *PostgresStore) CreateFeeTransaction(ctx context.Context, ft *FeeTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_transactions (
			id, source_transaction_id, amount, shell_wallet_id, vendor_id,
			mixing_rounds, delay_minutes, status, destination_address,
			due_at, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ft.ID, ft.SourceTransactionID, ft.Amount, ft.ShellWalletID, ft.VendorID,
		ft.MixingRounds, ft.DelayMinutes, string(ft.Status), nullString(ft.DestinationAddress),
		ft.DueAt, ft.CreatedAt, ft.UpdatedAt, nullTime(ft.CompletedAt),
	)
	return storage.Classify(err)
}

const feeColumns = `id, source_transaction_id, amount, shell_wallet_id, vendor_id,
		       mixing_rounds, delay_minutes, status, destination_address,
		       due_at, created_at, updated_at, completed_at`

func (p *PostgresStore) GetFeeTransaction(ctx context.Context, id string) (*FeeTransaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+feeColumns+` FROM fee_transactions WHERE id = $1`, id)
	ft, err := scanFee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeeTransactionNotFound
	}
	return ft, storage.Classify(err)
}

// CompleteIfPending relies on the status predicate so two completions of
// the same row cannot both succeed.
func (p *PostgresStore) CompleteIfPending(ctx context.Context, id, destination string, completedAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE fee_transactions
		SET status = $1, destination_address = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(FeeStatusCompleted), destination, completedAt, id, string(FeeStatusPending),
	)
	if err != nil {
		return false, storage.Classify(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storage.Classify(err)
	}
	if rows == 1 {
		return true, nil
	}

	var exists bool
	err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM fee_transactions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, storage.Classify(err)
	}
	if !exists {
		return false, ErrFeeTransactionNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListDuePending(ctx context.Context, before time.Time, limit int) ([]*FeeTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+feeColumns+`
		FROM fee_transactions
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3`, string(FeeStatusPending), before, limit)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	result := []*FeeTransaction{}
	for rows.Next() {
		ft, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ft)
	}
	return result, storage.Classify(rows.Err())
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(amount) FILTER (WHERE status IN ('pending', 'mixing')), 0),
			COALESCE(SUM(amount) FILTER (WHERE status IN ('completed', 'dispersed')), 0),
			COUNT(*)
		FROM fee_transactions`,
	).Scan(&t.TotalFeesRouted, &t.FeesInMixing, &t.FeesDispersed, &t.TransactionCount)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return t, nil
}

func (p *PostgresStore) VendorSummary(ctx context.Context, vendorID string) (*VendorSummary, error) {
	summary := &VendorSummary{VendorID: vendorID}
	var last sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*), MAX(created_at)
		FROM fee_transactions
		WHERE vendor_id = $1`, vendorID,
	).Scan(&summary.TotalFees, &summary.TransactionsCount, &last)
	if err != nil {
		return nil, storage.Classify(err)
	}
	if last.Valid {
		summary.LastFeeTime = last.Time.UnixMilli()
	}
	return summary, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*ShellWallet, error) {
	w := &ShellWallet{}
	var lastUsed sql.NullTime
	if err := s.Scan(&w.ID, &w.Address, &w.Balance, &w.IsActive, &w.CycleNumber, &w.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		w.LastUsedAt = &lastUsed.Time
	}
	return w, nil
}

func scanFee(s scanner) (*FeeTransaction, error) {
	ft := &FeeTransaction{}
	var (
		status      string
		destination sql.NullString
		completedAt sql.NullTime
	)
	err := s.Scan(
		&ft.ID, &ft.SourceTransactionID, &ft.Amount, &ft.ShellWalletID, &ft.VendorID,
		&ft.MixingRounds, &ft.DelayMinutes, &status, &destination,
		&ft.DueAt, &ft.CreatedAt, &ft.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	ft.Status = FeeStatus(status)
	ft.DestinationAddress = destination.String
	if completedAt.Valid {
		ft.CompletedAt = &completedAt.Time
	}
	return ft, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
