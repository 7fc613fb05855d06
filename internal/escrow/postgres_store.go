package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore is the durable Store.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, order_id, seller_group_id, buyer, seller, amount, currency,
	fee_amount, status, dispute_id, settlement_ref, auto_released,
	created_at, expires_at, released_at, updated_at, version`

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var e Escrow
	var disputeID, settlementRef sql.NullString
	var releasedAt sql.NullTime

	err := s.Scan(
		&e.ID, &e.OrderID, &e.SellerGroupID, &e.Buyer, &e.Seller,
		&e.Amount, &e.Currency, &e.FeeAmount, &e.Status,
		&disputeID, &settlementRef, &e.AutoReleased,
		&e.CreatedAt, &e.ExpiresAt, &releasedAt, &e.UpdatedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	e.DisputeID = disputeID.String
	e.SettlementRef = settlementRef.String
	if releasedAt.Valid {
		t := releasedAt.Time
		e.ReleasedAt = &t
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.OrderID, e.SellerGroupID, e.Buyer, e.Seller,
		e.Amount, e.Currency, e.FeeAmount, e.Status,
		nullString(e.DisputeID), nullString(e.SettlementRef), e.AutoReleased,
		e.CreatedAt, e.ExpiresAt, nullTime(e.ReleasedAt), e.UpdatedAt, e.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) GetByOrderSeller(ctx context.Context, orderID, sellerGroupID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1 AND seller_group_id = $2`,
		orderID, sellerGroupID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow by order/seller: %w", err)
	}
	return e, nil
}

// Update commits the record only when the stored version matches
// e.Version, bumping it by one.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_id = $2, settlement_ref = $3,
			auto_released = $4, released_at = $5, updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8`,
		e.Status, nullString(e.DisputeID), nullString(e.SettlementRef),
		e.AutoReleased, nullTime(e.ReleasedAt), e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update escrow: rows affected: %w", err)
	}
	if n == 0 {
		// Either the row is gone or someone got there first.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update escrow: existence check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, role Role) ([]*Escrow, error) {
	var where string
	switch role {
	case RoleBuyer:
		where = `buyer = $1`
	case RoleSeller:
		where = `seller = $1`
	default:
		where = `(buyer = $1 OR seller = $1)`
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE `+where+` ORDER BY created_at DESC`,
		wallet)
	if err != nil {
		return nil, fmt.Errorf("list escrows by wallet: %w", err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3`,
		StatusFunded, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func (p *PostgresStore) Stats(ctx context.Context) (*StoreStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM escrows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("escrow stats: %w", err)
	}
	defer rows.Close()

	stats := &StoreStats{
		CountByStatus:  make(map[Status]int64),
		AmountByStatus: make(map[Status]decimal.Decimal),
	}
	for rows.Next() {
		var status Status
		var count int64
		var amount decimal.Decimal
		if err := rows.Scan(&status, &count, &amount); err != nil {
			return nil, fmt.Errorf("escrow stats: scan: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.AmountByStatus[status] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow stats: %w", err)
	}
	return stats, nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrows: %w", err)
	}
	return out, nil
}
