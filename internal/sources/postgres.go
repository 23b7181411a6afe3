package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/flowguard/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const selectSource = `
	SELECT id, tenant_id, enabled, allowed_ips, max_eps, block_on_exceed, updated_at
	FROM sources
`

func scanSource(row pgx.Row) (*models.SourceConfig, error) {
	var src models.SourceConfig
	if err := row.Scan(&src.ID, &src.TenantID, &src.Enabled, &src.AllowedIPs,
		&src.MaxEPS, &src.BlockOnExceed, &src.UpdatedAt); err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.SourceConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	src, err := scanSource(s.pool.QueryRow(ctx, selectSource+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.SourceConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, selectSource+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []models.SourceConfig
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return out, nil
}

// Upsert validates src and writes it. The total CIDR budget across sources
// is checked against the rows already stored.
func (s *PostgresStore) Upsert(ctx context.Context, src models.SourceConfig) error {
	if err := src.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var others int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cardinality(allowed_ips)), 0) FROM sources WHERE id <> $1`, src.ID,
	).Scan(&others)
	if err != nil {
		return fmt.Errorf("failed to count CIDRs: %w", err)
	}
	if others+len(src.AllowedIPs) > models.MaxCIDRsTotal {
		return fmt.Errorf("%w: %d across all sources > %d", models.ErrTooManyCIDRs,
			others+len(src.AllowedIPs), models.MaxCIDRsTotal)
	}

	allowed := src.AllowedIPs
	if allowed == nil {
		allowed = []string{}
	}

	query := `
		INSERT INTO sources (id, tenant_id, enabled, allowed_ips, max_eps, block_on_exceed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			enabled = EXCLUDED.enabled,
			allowed_ips = EXCLUDED.allowed_ips,
			max_eps = EXCLUDED.max_eps,
			block_on_exceed = EXCLUDED.block_on_exceed,
			updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, src.ID, src.TenantID, src.Enabled, allowed,
		src.MaxEPS, src.BlockOnExceed); err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
