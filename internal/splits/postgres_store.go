package splits

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/splitpool/internal/token"
)

// PostgresStore persists wallets and bills in PostgreSQL. The participant
// list is stored as a JSONB document so each ApplyUpdate replaces the
// whole array, matching the single-document-write model.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateBill(ctx context.Context, bill *Bill) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bills (id, settlement_status, updated_at)
		VALUES ($1, $2, $3)`,
		bill.ID, bill.SettlementStatus, bill.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetBill(ctx context.Context, id string) (*Bill, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, settlement_status, updated_at FROM bills WHERE id = $1`, id)
	var b Bill
	err := row.Scan(&b.ID, &b.SettlementStatus, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	participantsJSON, err := json.Marshal(w.Participants)
	if err != nil {
		return err
	}
	modeJSON, err := json.Marshal(w.Mode)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO split_wallets (
			id, bill_id, creator_id, address, currency, status, mode,
			participants, loser_id, winner_id, last_signature,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, w.BillID, w.CreatorID, w.Address, string(w.Currency), string(w.Status),
		modeJSON, participantsJSON,
		nullString(w.LoserID), nullString(w.WinnerID), nullString(w.LastSignature),
		nullTime(w.CompletedAt), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

const walletColumns = `id, bill_id, creator_id, address, currency, status, mode,
		       participants, loser_id, winner_id, last_signature,
		       completed_at, created_at, updated_at`

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM split_wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// ApplyUpdate writes the wallet document and the parent bill's mirrored
// settlement status in one transaction.
func (p *PostgresStore) ApplyUpdate(ctx context.Context, w *Wallet, billStatus string) error {
	participantsJSON, err := json.Marshal(w.Participants)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE split_wallets SET
			status = $1, participants = $2, loser_id = $3, winner_id = $4,
			last_signature = $5, completed_at = $6, updated_at = $7
		WHERE id = $8`,
		string(w.Status), participantsJSON,
		nullString(w.LoserID), nullString(w.WinnerID), nullString(w.LastSignature),
		nullTime(w.CompletedAt), w.UpdatedAt, w.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE bills SET settlement_status = $1, updated_at = $2 WHERE id = $3`,
		billStatus, w.UpdatedAt, w.BillID,
	)
	if err != nil {
		return err
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBillNotFound
	}

	return tx.Commit()
}

func (p *PostgresStore) ListWalletsByStatus(ctx context.Context, status WalletStatus) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM split_wallets WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*Wallet, error) {
	var (
		w                Wallet
		currency, status string
		modeJSON         []byte
		participantsJSON []byte
		loserID          sql.NullString
		winnerID         sql.NullString
		lastSig          sql.NullString
		completedAt      sql.NullTime
	)
	err := row.Scan(
		&w.ID, &w.BillID, &w.CreatorID, &w.Address, &currency, &status, &modeJSON,
		&participantsJSON, &loserID, &winnerID, &lastSig,
		&completedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Currency = token.Currency(currency)
	w.Status = WalletStatus(status)
	if err := json.Unmarshal(modeJSON, &w.Mode); err != nil {
		return nil, fmt.Errorf("splits: corrupt mode document for wallet %s: %w", w.ID, err)
	}
	if err := json.Unmarshal(participantsJSON, &w.Participants); err != nil {
		return nil, fmt.Errorf("splits: corrupt participants document for wallet %s: %w", w.ID, err)
	}
	w.LoserID = loserID.String
	w.WinnerID = winnerID.String
	w.LastSignature = lastSig.String
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return &w, nil
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
