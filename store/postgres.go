package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_stripe_customer ON profiles(stripe_customer_id)`,
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id),
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'snippet',
			description TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			is_public BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_user_id ON assets(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_public ON assets(is_public, deleted_at)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id TEXT PRIMARY KEY REFERENCES profiles(id),
			can_publish BOOLEAN NOT NULL DEFAULT FALSE,
			max_public_assets INTEGER NOT NULL DEFAULT 0,
			max_code_size_kb INTEGER NOT NULL DEFAULT 0,
			daily_upload_limit INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES profiles(id),
			provider TEXT NOT NULL DEFAULT 'stripe',
			status TEXT NOT NULL DEFAULT '',
			current_period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			asset_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Profiles ---

func (s *PostgresStore) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO profiles (id, username, password_hash, role, stripe_customer_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		p.ID, p.Username, p.PasswordHash, p.Role, p.StripeCustomerID, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, stripe_customer_id, created_at FROM profiles WHERE id = $1", id,
	).Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Role, &p.StripeCustomerID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, stripe_customer_id, created_at FROM profiles WHERE username = $1", username,
	).Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Role, &p.StripeCustomerID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) GetProfileByStripeCustomer(ctx context.Context, customerID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, stripe_customer_id, created_at FROM profiles WHERE stripe_customer_id = $1",
		customerID,
	).Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Role, &p.StripeCustomerID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) SetProfileStripeCustomer(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_customer_id = $1 WHERE id = $2", customerID, userID,
	)
	return err
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, stripe_customer_id, created_at FROM profiles ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.Role, &p.StripeCustomerID, &p.CreatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// --- Assets ---

func (s *PostgresStore) CreateAsset(ctx context.Context, a *Asset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, user_id, name, kind, description, code, is_public, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UserID, a.Name, a.Kind, a.Description, a.Code, a.IsPublic, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateAsset(ctx context.Context, a *Asset) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE assets SET name = $1, description = $2, code = $3, updated_at = $4 WHERE id = $5 AND deleted_at IS NULL",
		a.Name, a.Description, a.Code, a.UpdatedAt, a.ID,
	)
	return err
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, kind, description, code, is_public, deleted_at, created_at, updated_at
		 FROM assets WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Kind, &a.Description, &a.Code, &a.IsPublic, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *PostgresStore) ListAssetsByOwner(ctx context.Context, userID string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, kind, description, code, is_public, deleted_at, created_at, updated_at
		 FROM assets WHERE user_id = $1 AND deleted_at IS NULL ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAssets(rows)
}

func (s *PostgresStore) ListPublicAssets(ctx context.Context, kind string, limit, offset int) ([]Asset, error) {
	query := `SELECT id, user_id, name, kind, description, code, is_public, deleted_at, created_at, updated_at
	          FROM assets WHERE is_public = TRUE AND deleted_at IS NULL`
	args := []any{}
	if kind != "" {
		query += " AND kind = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3"
		args = append(args, kind, limit, offset)
	} else {
		query += " ORDER BY updated_at DESC LIMIT $1 OFFSET $2"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAssets(rows)
}

func (s *PostgresStore) SoftDeleteAsset(ctx context.Context, id, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE assets SET deleted_at = NOW(), is_public = FALSE, updated_at = NOW() WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL",
		id, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SetAssetVisibility(ctx context.Context, id, ownerID string, public bool) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE assets SET is_public = $1, updated_at = NOW() WHERE id = $2 AND user_id = $3 AND deleted_at IS NULL",
		public, id, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) PublishAssetWithinQuota(ctx context.Context, id, ownerID string, limit int) (bool, error) {
	// Count and flip in one statement so two concurrent publishes cannot both
	// pass the quota check before either commits.
	result, err := s.db.ExecContext(ctx,
		`UPDATE assets SET is_public = TRUE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		   AND (is_public = TRUE OR
		        (SELECT COUNT(*) FROM assets q WHERE q.user_id = $3 AND q.is_public = TRUE AND q.deleted_at IS NULL) < $4)`,
		id, ownerID, ownerID, limit,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// --- Quota counts ---

func (s *PostgresStore) CountPublicAssets(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE user_id = $1 AND is_public = TRUE AND deleted_at IS NULL", userID,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountAssetsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE user_id = $1 AND created_at >= $2", userID, since,
	).Scan(&count)
	return count, err
}

// --- Entitlements ---

func (s *PostgresStore) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	var e Entitlement
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, can_publish, max_public_assets, max_code_size_kb, daily_upload_limit, updated_at
		 FROM entitlements WHERE user_id = $1`, userID,
	).Scan(&e.UserID, &e.CanPublish, &e.MaxPublicAssets, &e.MaxCodeSizeKB, &e.DailyUploadLimit, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &e, err
}

func (s *PostgresStore) UpsertEntitlement(ctx context.Context, e *Entitlement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, can_publish, max_public_assets, max_code_size_kb, daily_upload_limit, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(user_id) DO UPDATE SET
		   can_publish = excluded.can_publish,
		   max_public_assets = excluded.max_public_assets,
		   max_code_size_kb = excluded.max_code_size_kb,
		   daily_upload_limit = excluded.daily_upload_limit,
		   updated_at = excluded.updated_at`,
		e.UserID, e.CanPublish, e.MaxPublicAssets, e.MaxCodeSizeKB, e.DailyUploadLimit, e.UpdatedAt,
	)
	return err
}

// --- Subscriptions ---

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, status, current_period_end, created_at
		 FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Provider, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, provider, status, current_period_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(user_id) DO UPDATE SET
		   provider = excluded.provider,
		   status = excluded.status,
		   current_period_end = excluded.current_period_end`,
		sub.ID, sub.UserID, sub.Provider, sub.Status, sub.CurrentPeriodEnd, sub.CreatedAt,
	)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, asset_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.UserID, event.AssetID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, asset_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.AssetID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
