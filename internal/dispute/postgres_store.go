package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parcelmarket/escrowd/internal/escrow"
)

// PostgresStore is the durable Store. Open and Resolve run the dispute
// and escrow writes inside one transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `
	id, escrow_id, reason, evidence_refs, disputant, status,
	votes_for_buyer, votes_for_seller, voters,
	resolution_winner, resolved_at, created_at, updated_at, version`

func scanDispute(s interface{ Scan(...interface{}) error }) (*Dispute, error) {
	var d Dispute
	var evidence, voters []byte
	var winner sql.NullString
	var resolvedAt sql.NullTime

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.Reason, &evidence, &d.Disputant, &d.Status,
		&d.VotesForBuyer, &d.VotesForSeller, &voters,
		&winner, &resolvedAt, &d.CreatedAt, &d.UpdatedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evidence, &d.EvidenceRefs); err != nil {
		return nil, fmt.Errorf("decode evidence refs: %w", err)
	}
	if err := json.Unmarshal(voters, &d.Voters); err != nil {
		return nil, fmt.Errorf("decode voters: %w", err)
	}
	if d.Voters == nil {
		d.Voters = make(map[string]bool)
	}
	if winner.Valid && resolvedAt.Valid {
		d.Resolution = &Resolution{Winner: Choice(winner.String), ResolvedAt: resolvedAt.Time}
	}
	return &d, nil
}

func disputeArgs(d *Dispute) ([]interface{}, error) {
	evidence, err := json.Marshal(d.EvidenceRefs)
	if err != nil {
		return nil, fmt.Errorf("encode evidence refs: %w", err)
	}
	voters, err := json.Marshal(d.Voters)
	if err != nil {
		return nil, fmt.Errorf("encode voters: %w", err)
	}
	var winner sql.NullString
	var resolvedAt sql.NullTime
	if d.Resolution != nil {
		winner = sql.NullString{String: string(d.Resolution.Winner), Valid: true}
		resolvedAt = sql.NullTime{Time: d.Resolution.ResolvedAt, Valid: true}
	}
	return []interface{}{
		d.ID, d.EscrowID, d.Reason, evidence, d.Disputant, d.Status,
		d.VotesForBuyer, d.VotesForSeller, voters,
		winner, resolvedAt, d.CreatedAt, d.UpdatedAt, d.Version,
	}, nil
}

// Open transitions the escrow FUNDED -> DISPUTED and inserts the dispute
// in one transaction. The escrow UPDATE is guarded by both status and the
// version the caller observed; zero rows means the escrow moved under us.
func (p *PostgresStore) Open(ctx context.Context, d *Dispute, escrowVersion int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("open dispute: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_id = $2, updated_at = $3,
			version = version + 1
		WHERE id = $4 AND status = $5 AND version = $6`,
		escrow.StatusDisputed, d.ID, d.CreatedAt,
		d.EscrowID, escrow.StatusFunded, escrowVersion,
	)
	if err != nil {
		return fmt.Errorf("open dispute: freeze escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("open dispute: rows affected: %w", err)
	}
	if n == 0 {
		return p.diagnoseEscrow(ctx, tx, d.EscrowID)
	}

	args, err := disputeArgs(d)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		args...,
	); err != nil {
		return fmt.Errorf("open dispute: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("open dispute: commit: %w", err)
	}
	return nil
}

// diagnoseEscrow maps a zero-row escrow CAS to the precise failure.
func (p *PostgresStore) diagnoseEscrow(ctx context.Context, tx *sql.Tx, escrowID string) error {
	var status escrow.Status
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM escrows WHERE id = $1`, escrowID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open dispute: diagnose: %w", err)
	}
	if status != escrow.StatusFunded {
		return fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidStatus, status)
	}
	return escrow.ErrVersionConflict
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute by escrow: %w", err)
	}
	return d, nil
}

// Update commits the record only when the stored version matches
// d.Version, bumping it by one.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.updateDispute(ctx, p.db, d)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update dispute: rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update dispute: existence check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PostgresStore) updateDispute(ctx context.Context, ex execer, d *Dispute) (sql.Result, error) {
	evidence, err := json.Marshal(d.EvidenceRefs)
	if err != nil {
		return nil, fmt.Errorf("encode evidence refs: %w", err)
	}
	voters, err := json.Marshal(d.Voters)
	if err != nil {
		return nil, fmt.Errorf("encode voters: %w", err)
	}
	var winner sql.NullString
	var resolvedAt sql.NullTime
	if d.Resolution != nil {
		winner = sql.NullString{String: string(d.Resolution.Winner), Valid: true}
		resolvedAt = sql.NullTime{Time: d.Resolution.ResolvedAt, Valid: true}
	}

	res, err := ex.ExecContext(ctx, `
		UPDATE disputes SET
			evidence_refs = $1, status = $2,
			votes_for_buyer = $3, votes_for_seller = $4, voters = $5,
			resolution_winner = $6, resolved_at = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		evidence, d.Status,
		d.VotesForBuyer, d.VotesForSeller, voters,
		winner, resolvedAt, d.UpdatedAt,
		d.ID, d.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}
	return res, nil
}

// Resolve commits the resolved dispute and its escrow in one transaction,
// CAS-guarding both rows. A conflict on either side rolls back the pair.
func (p *PostgresStore) Resolve(ctx context.Context, d *Dispute, e *escrow.Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve dispute: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := p.updateDispute(ctx, tx, d)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve dispute: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	eres, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, settlement_ref = $2, released_at = $3,
			updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		e.Status, e.SettlementRef, e.ReleasedAt, e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("resolve dispute: settle escrow: %w", err)
	}
	en, err := eres.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve dispute: escrow rows affected: %w", err)
	}
	if en == 0 {
		return escrow.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolve dispute: commit: %w", err)
	}
	d.Version++
	e.Version++
	return nil
}
