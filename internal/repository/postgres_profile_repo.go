package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/karmahub/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// Upsert はプロフィールをid単位でUPSERTする。
// nilフィールドはCOALESCEで既存値を維持する。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, update *model.ProfileUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, first_name, last_name, avatar_url, bio, location, phone, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   first_name = COALESCE(EXCLUDED.first_name, profiles.first_name),
		   last_name  = COALESCE(EXCLUDED.last_name, profiles.last_name),
		   avatar_url = COALESCE(EXCLUDED.avatar_url, profiles.avatar_url),
		   bio        = COALESCE(EXCLUDED.bio, profiles.bio),
		   location   = COALESCE(EXCLUDED.location, profiles.location),
		   phone      = COALESCE(EXCLUDED.phone, profiles.phone),
		   updated_at = EXCLUDED.updated_at`,
		update.ID,
		nullString(update.FirstName), nullString(update.LastName), nullString(update.AvatarURL),
		nullString(update.Bio), nullString(update.Location), nullString(update.Phone),
		update.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p := &model.Profile{}
	var firstName, lastName, avatarURL, bio, location, phone sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, avatar_url, bio, location, phone,
		        COALESCE(karma_points, 0), COALESCE(cash_points, 0), COALESCE(rank, 'starter'),
		        COALESCE(streak_days, 0), COALESCE(good_deeds_completed, 0), COALESCE(updated_at, now())
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(
		&p.ID, &firstName, &lastName, &avatarURL, &bio, &location, &phone,
		&p.KarmaPoints, &p.CashPoints, &p.Rank, &p.StreakDays, &p.GoodDeedsCompleted, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	p.FirstName = stringPtr(firstName)
	p.LastName = stringPtr(lastName)
	p.AvatarURL = stringPtr(avatarURL)
	p.Bio = stringPtr(bio)
	p.Location = stringPtr(location)
	p.Phone = stringPtr(phone)

	return p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
