package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the provider store dependency is not configured.
var ErrStoreUnavailable = errors.New("provider: store unavailable")

// Store provides database accessors for provider configurations.
type Store interface {
	Create(ctx context.Context, cfg ProviderConfig) (ProviderConfig, error)
	GetActiveByCode(ctx context.Context, code string) (ProviderConfig, error)
	GetByID(ctx context.Context, id uuid.UUID) (ProviderConfig, error)
	List(ctx context.Context) ([]ProviderConfig, error)
	Update(ctx context.Context, cfg ProviderConfig) (ProviderConfig, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const configColumns = `id, code, display_name, active, auth_scheme, secret, signature_header, notification_url, event_types, rate_limit_per_min, created_at, updated_at`

func scanConfig(row pgx.Row) (ProviderConfig, error) {
	var cfg ProviderConfig
	var scheme string
	err := row.Scan(&cfg.ID, &cfg.Code, &cfg.DisplayName, &cfg.Active, &scheme, &cfg.Secret,
		&cfg.SignatureHeader, &cfg.NotificationURL, &cfg.EventTypes, &cfg.RateLimitPerMin,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return ProviderConfig{}, err
	}
	cfg.AuthScheme = AuthScheme(scheme)
	return cfg, nil
}

// Create inserts a configuration. When the new config is active, any previous
// active config for the same code is deactivated in the same transaction so
// the one-active-per-code invariant holds.
func (s *pgStore) Create(ctx context.Context, cfg ProviderConfig) (ProviderConfig, error) {
	if s == nil || s.pool == nil {
		return ProviderConfig{}, ErrStoreUnavailable
	}
	cfg.Code = strings.ToLower(strings.TrimSpace(cfg.Code))
	if cfg.EventTypes == nil {
		cfg.EventTypes = []string{}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ProviderConfig{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if cfg.Active {
		if _, err := tx.Exec(ctx, `UPDATE provider_configs SET active = FALSE, updated_at = NOW() WHERE code = $1 AND active`, cfg.Code); err != nil {
			return ProviderConfig{}, err
		}
	}
	row := tx.QueryRow(ctx, `INSERT INTO provider_configs (code, display_name, active, auth_scheme, secret, signature_header, notification_url, event_types, rate_limit_per_min)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+configColumns,
		cfg.Code, cfg.DisplayName, cfg.Active, string(cfg.AuthScheme), cfg.Secret,
		strings.ToLower(cfg.SignatureHeader), cfg.NotificationURL, cfg.EventTypes, cfg.RateLimitPerMin)
	created, err := scanConfig(row)
	if err != nil {
		return ProviderConfig{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ProviderConfig{}, err
	}
	return created, nil
}

// GetActiveByCode fetches the single active configuration for a code.
func (s *pgStore) GetActiveByCode(ctx context.Context, code string) (ProviderConfig, error) {
	if s == nil || s.pool == nil {
		return ProviderConfig{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM provider_configs WHERE code = $1 AND active`,
		strings.ToLower(strings.TrimSpace(code)))
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderConfig{}, ErrUnknownProvider
	}
	return cfg, err
}

// GetByID fetches a configuration by ID, active or not.
func (s *pgStore) GetByID(ctx context.Context, id uuid.UUID) (ProviderConfig, error) {
	if s == nil || s.pool == nil {
		return ProviderConfig{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM provider_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderConfig{}, ErrUnknownProvider
	}
	return cfg, err
}

// List returns all configurations, newest first.
func (s *pgStore) List(ctx context.Context) ([]ProviderConfig, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+configColumns+` FROM provider_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []ProviderConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Update rewrites a configuration in place, preserving the one-active-per-code
// invariant when the update activates it.
func (s *pgStore) Update(ctx context.Context, cfg ProviderConfig) (ProviderConfig, error) {
	if s == nil || s.pool == nil {
		return ProviderConfig{}, ErrStoreUnavailable
	}
	if cfg.EventTypes == nil {
		cfg.EventTypes = []string{}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ProviderConfig{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if cfg.Active {
		if _, err := tx.Exec(ctx, `UPDATE provider_configs SET active = FALSE, updated_at = NOW() WHERE code = $1 AND active AND id <> $2`, cfg.Code, cfg.ID); err != nil {
			return ProviderConfig{}, err
		}
	}
	row := tx.QueryRow(ctx, `UPDATE provider_configs
SET display_name = $2, active = $3, auth_scheme = $4, secret = $5, signature_header = $6,
    notification_url = $7, event_types = $8, rate_limit_per_min = $9, updated_at = NOW()
WHERE id = $1
RETURNING `+configColumns,
		cfg.ID, cfg.DisplayName, cfg.Active, string(cfg.AuthScheme), cfg.Secret,
		strings.ToLower(cfg.SignatureHeader), cfg.NotificationURL, cfg.EventTypes, cfg.RateLimitPerMin)
	updated, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderConfig{}, ErrUnknownProvider
	}
	if err != nil {
		return ProviderConfig{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ProviderConfig{}, err
	}
	return updated, nil
}

// Delete removes a configuration by ID.
func (s *pgStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM provider_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownProvider
	}
	return nil
}
