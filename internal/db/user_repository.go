package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, email, name, email_verified, last_active_at, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.LastActiveAt, &u.CreatedAt)
	if isNoRows(err) {
		return nil, notFound("get user", "user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// GetPreference returns the stored preference or the defaults.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID) (*UserPreference, error) {
	var (
		p                   UserPreference
		reengage, onboarded []byte
	)
	err := r.db.Pool().QueryRow(ctx, `
		SELECT user_id, email_enabled, telegram_enabled, telegram_chat_id,
		       sms_enabled, phone_number, push_enabled, push_endpoint,
		       in_app_enabled, topics, posting_cadence,
		       sent_emails, onboarding_emails_sent, updated_at
		FROM user_preferences WHERE user_id = $1
	`, userID).Scan(
		&p.UserID,
		&p.EmailEnabled,
		&p.TelegramEnabled,
		&p.TelegramChatID,
		&p.SMSEnabled,
		&p.PhoneNumber,
		&p.PushEnabled,
		&p.PushEndpoint,
		&p.InAppEnabled,
		&p.Topics,
		&p.PostingCadence,
		&reengage,
		&onboarded,
		&p.UpdatedAt,
	)
	if isNoRows(err) {
		return DefaultPreference(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	if p.ReengagementSent, err = ParseSentSet(reengage); err != nil {
		return nil, err
	}
	if p.OnboardingSent, err = ParseSentSet(onboarded); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPreference writes opt-ins, destinations and cadence. The drip
// tracking columns are owned by ClaimCampaign and are left untouched.
func (r *Repository) UpsertPreference(ctx context.Context, p *UserPreference) error {
	topics := p.Topics
	if topics == nil {
		topics = []string{}
	}
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO user_preferences (user_id, email_enabled, telegram_enabled, telegram_chat_id,
		                              sms_enabled, phone_number, push_enabled, push_endpoint,
		                              in_app_enabled, topics, posting_cadence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			telegram_enabled = EXCLUDED.telegram_enabled,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			sms_enabled = EXCLUDED.sms_enabled,
			phone_number = EXCLUDED.phone_number,
			push_enabled = EXCLUDED.push_enabled,
			push_endpoint = EXCLUDED.push_endpoint,
			in_app_enabled = EXCLUDED.in_app_enabled,
			topics = EXCLUDED.topics,
			posting_cadence = EXCLUDED.posting_cadence,
			updated_at = NOW()
	`, p.UserID, p.EmailEnabled, p.TelegramEnabled, p.TelegramChatID,
		p.SMSEnabled, p.PhoneNumber, p.PushEnabled, p.PushEndpoint,
		p.InAppEnabled, topics, p.PostingCadence)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// ListDripCandidates returns verified users whose reference timestamp is in
// [Start, End) and whose sent set lacks the campaign key. Pages by user id.
func (r *Repository) ListDripCandidates(ctx context.Context, q DripQuery) ([]*User, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// Reference and Field are closed enums checked by Validate.
	ref := "u." + string(q.Reference)
	field := "p." + string(q.Field)

	rows, err := r.db.Pool().Query(ctx, `
		SELECT u.id, u.email, u.name, u.email_verified, u.last_active_at, u.created_at
		FROM users u
		LEFT JOIN user_preferences p ON p.user_id = u.id
		WHERE u.email_verified
		  AND `+ref+` >= $1 AND `+ref+` < $2
		  AND u.id > $3
		  AND COALESCE((`+field+` ->> $4)::boolean, FALSE) = FALSE
		ORDER BY u.id
		LIMIT $5
	`, q.Start, q.End, q.After, q.Key.StoredKey(), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query drip candidates: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.LastActiveAt, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return users, nil
}

// ClaimCampaign sets sent[key]=true only if it is not already true,
// creating the preference row when missing. False means already sent.
func (r *Repository) ClaimCampaign(ctx context.Context, userID uuid.UUID, field SentField, key CampaignKey) (bool, error) {
	if !field.Valid() || !key.Valid() {
		return false, fmt.Errorf("invalid campaign claim %s/%s", field, key)
	}
	col := string(field)

	result, err := r.db.Pool().Exec(ctx, `
		INSERT INTO user_preferences (user_id, `+col+`)
		VALUES ($1, jsonb_build_object($2::text, TRUE))
		ON CONFLICT (user_id) DO UPDATE
		SET `+col+` = COALESCE(user_preferences.`+col+`, '{}'::jsonb) || jsonb_build_object($2::text, TRUE),
		    updated_at = NOW()
		WHERE COALESCE((user_preferences.`+col+` ->> $2)::boolean, FALSE) = FALSE
	`, userID, key.StoredKey())
	if err != nil {
		return false, fmt.Errorf("claim campaign: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseCampaign removes a claim after the send failed.
func (r *Repository) ReleaseCampaign(ctx context.Context, userID uuid.UUID, field SentField, key CampaignKey) error {
	if !field.Valid() || !key.Valid() {
		return fmt.Errorf("invalid campaign release %s/%s", field, key)
	}
	col := string(field)

	_, err := r.db.Pool().Exec(ctx, `
		UPDATE user_preferences SET `+col+` = `+col+` - $2::text, updated_at = NOW()
		WHERE user_id = $1
	`, userID, key.StoredKey())
	if err != nil {
		return fmt.Errorf("release campaign: %w", err)
	}
	return nil
}
