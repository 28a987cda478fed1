package custody

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists key records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	rosterJSON, _ := json.Marshal(rec.Scope.Roster)
	if rec.Scope.Roster == nil {
		rosterJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO split_wallet_keys (
			wallet_id, scope_kind, creator_id, roster, secret, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (wallet_id) DO UPDATE SET
			scope_kind = EXCLUDED.scope_kind,
			creator_id = EXCLUDED.creator_id,
			roster     = EXCLUDED.roster,
			secret     = EXCLUDED.secret,
			updated_at = EXCLUDED.updated_at`,
		rec.WalletID, string(rec.Scope.Kind), nullString(rec.Scope.CreatorID),
		rosterJSON, rec.Secret, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, walletID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT wallet_id, scope_kind, creator_id, roster, secret, created_at, updated_at
		FROM split_wallet_keys WHERE wallet_id = $1`, walletID)

	var (
		rec        Record
		kind       string
		creatorID  sql.NullString
		rosterJSON []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := row.Scan(&rec.WalletID, &kind, &creatorID, &rosterJSON, &rec.Secret, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Scope.Kind = ScopeKind(kind)
	rec.Scope.CreatorID = creatorID.String
	if len(rosterJSON) > 0 {
		if err := json.Unmarshal(rosterJSON, &rec.Scope.Roster); err != nil {
			return nil, err
		}
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return &rec, nil
}

func (p *PostgresStore) Delete(ctx context.Context, walletID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM split_wallet_keys WHERE wallet_id = $1`, walletID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
