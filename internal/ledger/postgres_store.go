package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"escrowpresale/internal/purchase"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists attempts in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS purchase_attempts (
    id UUID PRIMARY KEY,
    action TEXT NOT NULL,
    phase TEXT NOT NULL,
    buyer TEXT NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    failure_kind TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS purchase_attempts_buyer_idx ON purchase_attempts (buyer, created_at DESC);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Record(ctx context.Context, a purchase.Attempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO purchase_attempts (id, action, phase, buyer, tx_hash, failure_kind, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET phase = EXCLUDED.phase,
    tx_hash = EXCLUDED.tx_hash,
    failure_kind = EXCLUDED.failure_kind,
    payload = EXCLUDED.payload,
    updated_at = EXCLUDED.updated_at
WHERE purchase_attempts.updated_at <= EXCLUDED.updated_at
`, a.ID, string(a.Action), string(a.Phase), strings.ToLower(a.Buyer), a.TxHash, string(a.FailureKind), payload, a.CreatedAt, a.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*purchase.Attempt, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM purchase_attempts WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a purchase.Attempt
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode attempt %s: %w", id, err)
	}
	return &a, nil
}

func (p *PostgresStore) List(ctx context.Context, buyer string, limit int) ([]purchase.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT payload FROM purchase_attempts
WHERE $1 = '' OR buyer = $1
ORDER BY created_at DESC
LIMIT $2
`, strings.ToLower(buyer), limit)
	if err != nil {
		return nil, err
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	out := make([]purchase.Attempt, 0, len(payloads))
	for _, payload := range payloads {
		var a purchase.Attempt
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
