package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const accountColumns = `
	id, team_id, owner_id, provider, external_id, name, access_token,
	refresh_token, token_expiry, status, last_checked_at, created_at, updated_at
`

func collectAccounts(rows pgx.Rows) ([]*ChannelAccount, error) {
	defer rows.Close()

	var out []*ChannelAccount
	for rows.Next() {
		var a ChannelAccount
		if err := rows.Scan(
			&a.ID,
			&a.TeamID,
			&a.OwnerID,
			&a.Provider,
			&a.ExternalID,
			&a.Name,
			&a.AccessToken,
			&a.RefreshToken,
			&a.TokenExpiry,
			&a.Status,
			&a.LastCheckedAt,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan channel account: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// GetAccountsByIDs returns the accounts that exist among ids, any status.
func (r *Repository) GetAccountsByIDs(ctx context.Context, ids []uuid.UUID) ([]*ChannelAccount, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query channel accounts: %w", err)
	}
	return collectAccounts(rows)
}

// ListExpiringAccounts returns active accounts whose token expires before
// the cutoff or has no recorded expiry.
func (r *Repository) ListExpiringAccounts(ctx context.Context, q ExpiringQuery) ([]*ChannelAccount, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+accountColumns+`
		FROM channel_accounts
		WHERE provider = $1
		  AND status = 'active'
		  AND (token_expiry IS NULL OR token_expiry <= $2)
		ORDER BY token_expiry ASC NULLS FIRST
		LIMIT $3
	`, q.Provider, q.Before, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query expiring accounts: %w", err)
	}
	return collectAccounts(rows)
}

// UpdateAccountToken stores a refreshed credential on an active account.
func (r *Repository) UpdateAccountToken(ctx context.Context, id uuid.UUID, accessToken string, expiry *time.Time, at time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE channel_accounts
		SET access_token = $2, token_expiry = $3, last_checked_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'active'
	`, id, accessToken, expiry, at)
	if err != nil {
		return false, fmt.Errorf("update account token: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeactivateAccount moves an account active→inactive. Returns false when
// the account was already inactive, so the owner is notified once.
func (r *Repository) DeactivateAccount(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE channel_accounts
		SET status = 'inactive', last_checked_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("deactivate account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	r.logger.Info("channel account deactivated", zap.String("account_id", id.String()))
	return true, nil
}
