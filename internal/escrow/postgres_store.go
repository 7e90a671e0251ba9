package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowd/internal/storage"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, product_id, product_name,
			buyer_id, buyer_username, seller_id, seller_username,
			amount, fee, elite_fee,
			buyer_address, seller_address, escrow_address,
			status, created_at, funded_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18
		)`,
		tx.ID, nullString(tx.ProductID), tx.ProductName,
		tx.Buyer.ID, tx.Buyer.Username, tx.Seller.ID, tx.Seller.Username,
		tx.Amount, tx.Fee, tx.EliteFee,
		tx.BuyerAddress, tx.SellerAddress, tx.EscrowAddress,
		string(tx.Status), tx.CreatedAt, nullTime(tx.FundedAt), nullTime(tx.CompletedAt), tx.UpdatedAt,
	)
	return storage.Classify(err)
}

const transactionColumns = `id, product_id, product_name,
		       buyer_id, buyer_username, seller_id, seller_username,
		       amount, fee, elite_fee,
		       buyer_address, seller_address, escrow_address,
		       status, created_at, funded_at, completed_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, storage.Classify(err)
}

// Update writes the mutable columns only. Timestamps are merged with
// COALESCE so a stamp, once set, is never cleared.
func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1,
			funded_at = COALESCE(funded_at, $2),
			completed_at = COALESCE(completed_at, $3),
			updated_at = $4
		WHERE id = $5`,
		string(tx.Status), nullTime(tx.FundedAt), nullTime(tx.CompletedAt), tx.UpdatedAt, tx.ID,
	)
	if err != nil {
		return storage.Classify(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storage.Classify(err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, userID string) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM escrow_transactions
			ORDER BY created_at DESC`)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM escrow_transactions
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC`, userID)
	}
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, storage.Classify(rows.Err())
}

func (p *PostgresStore) AddMessage(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_messages (id, transaction_id, user_id, username, content, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.TransactionID, msg.AuthorID, msg.AuthorUsername, msg.Content, msg.IsSystem, msg.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
		return ErrTransactionNotFound
	}
	return storage.Classify(err)
}

func (p *PostgresStore) MessagesFor(ctx context.Context, transactionIDs []string) (map[string][]*Message, error) {
	result := make(map[string][]*Message, len(transactionIDs))
	if len(transactionIDs) == 0 {
		return result, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, username, content, is_system, created_at
		FROM escrow_messages
		WHERE transaction_id = ANY($1)
		ORDER BY created_at ASC, id ASC`, pq.Array(transactionIDs))
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(
			&msg.ID, &msg.TransactionID, &msg.AuthorID, &msg.AuthorUsername,
			&msg.Content, &msg.IsSystem, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result[msg.TransactionID] = append(result[msg.TransactionID], msg)
	}
	return result, storage.Classify(rows.Err())
}

func (p *PostgresStore) LatestFeeSettings(ctx context.Context) (*FeeSettings, error) {
	fs := &FeeSettings{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, empire_elite, verified_vendor, regular_vendor, updated_by, created_at
		FROM fee_settings
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
	).Scan(&fs.ID, &fs.EmpireElite, &fs.VerifiedVendor, &fs.RegularVendor, &fs.UpdatedBy, &fs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeeSettingsNotFound
	}
	if err != nil {
		return nil, storage.Classify(err)
	}
	return fs, nil
}

func (p *PostgresStore) AddFeeSettings(ctx context.Context, fs *FeeSettings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_settings (id, empire_elite, verified_vendor, regular_vendor, updated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		fs.ID, fs.EmpireElite, fs.VerifiedVendor, fs.RegularVendor, fs.UpdatedBy, fs.CreatedAt,
	)
	return storage.Classify(err)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		productID   sql.NullString
		status      string
		fundedAt    sql.NullTime
		completedAt sql.NullTime
	)

	err := s.Scan(
		&tx.ID, &productID, &tx.ProductName,
		&tx.Buyer.ID, &tx.Buyer.Username, &tx.Seller.ID, &tx.Seller.Username,
		&tx.Amount, &tx.Fee, &tx.EliteFee,
		&tx.BuyerAddress, &tx.SellerAddress, &tx.EscrowAddress,
		&status, &tx.CreatedAt, &fundedAt, &completedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.ProductID = productID.String
	tx.Status = Status(status)
	if fundedAt.Valid {
		tx.FundedAt = &fundedAt.Time
	}
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}
	return tx, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
