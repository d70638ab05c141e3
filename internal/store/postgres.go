package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a KVStore over a single table. Every record carries a version
// counter bumped on each write; conditional writes are plain UPDATEs guarded
// by that version, so two competing processes can never both think they won.
// Expiry is a timestamp column compared against the database clock, which
// keeps lock arbitration off the (possibly skewed) client clocks.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(dbURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("kv store: parse db url: %w", err)
	}

	// Recycle connections periodically so stale ones don't survive deploys.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, Unavailable("kv store: connect", err)
	}

	p := &Postgres{db: pool}
	if err := p.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, Unavailable("kv store: ensure schema", err)
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS kv_records (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_kv_records_expires_at
			ON kv_records (expires_at)
			WHERE expires_at IS NOT NULL;
	`
	_, err := p.db.Exec(ctx, ddl)
	return err
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := p.db.QueryRow(ctx, `
		SELECT value, version FROM kv_records
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key,
	).Scan(&value, &version)
	if err == pgx.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, Unavailable("kv store: get "+key, err)
	}
	return value, version, nil
}

func (p *Postgres) PutIf(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (int64, error) {
	var ttlSecs interface{}
	if ttl > 0 {
		ttlSecs = ttl.Seconds()
	}

	if expectedVersion == 0 {
		// Insert-on-claim first; on conflict, try to steal an expired record.
		var version int64
		err := p.db.QueryRow(ctx, `
			INSERT INTO kv_records (key, value, version, expires_at, updated_at)
			VALUES ($1, $2, 1, CASE WHEN $3::FLOAT8 IS NULL THEN NULL ELSE NOW() + make_interval(secs => $3::FLOAT8) END, NOW())
			ON CONFLICT (key) DO NOTHING
			RETURNING version`,
			key, value, ttlSecs,
		).Scan(&version)
		if err == nil {
			return version, nil
		}
		if err != pgx.ErrNoRows {
			return 0, Unavailable("kv store: put "+key, err)
		}

		err = p.db.QueryRow(ctx, `
			UPDATE kv_records
			SET value = $2,
			    version = version + 1,
			    expires_at = CASE WHEN $3::FLOAT8 IS NULL THEN NULL ELSE NOW() + make_interval(secs => $3::FLOAT8) END,
			    updated_at = NOW()
			WHERE key = $1
			  AND expires_at IS NOT NULL
			  AND expires_at <= NOW()
			RETURNING version`,
			key, value, ttlSecs,
		).Scan(&version)
		if err == pgx.ErrNoRows {
			return 0, ErrConditionFailed
		}
		if err != nil {
			return 0, Unavailable("kv store: put "+key, err)
		}
		return version, nil
	}

	var version int64
	err := p.db.QueryRow(ctx, `
		UPDATE kv_records
		SET value = $2,
		    version = version + 1,
		    expires_at = CASE WHEN $4::FLOAT8 IS NULL THEN NULL ELSE NOW() + make_interval(secs => $4::FLOAT8) END,
		    updated_at = NOW()
		WHERE key = $1
		  AND version = $3
		  AND (expires_at IS NULL OR expires_at > NOW())
		RETURNING version`,
		key, value, expectedVersion, ttlSecs,
	).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, ErrConditionFailed
	}
	if err != nil {
		return 0, Unavailable("kv store: put "+key, err)
	}
	return version, nil
}

func (p *Postgres) DeleteIf(ctx context.Context, key string, expectedVersion int64) error {
	cmd, err := p.db.Exec(ctx, `
		DELETE FROM kv_records
		WHERE key = $1 AND version = $2`,
		key, expectedVersion,
	)
	if err != nil {
		return Unavailable("kv store: delete "+key, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}
