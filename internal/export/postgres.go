package export

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/uncleanliness/internal/taint"
)

// Postgres mirrors committed score snapshots into two relational tables,
// for operators who want to query the result set with SQL instead of
// re-reading CSV files. It is entirely optional — config.Config.PostgresDSN
// is empty by default, and the driver never constructs one in that case.
type Postgres struct {
	pool *pgxpool.Pool
}

// DialPostgres opens a connection pool and ensures the sink tables exist.
func DialPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("export: connect to postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS address_snapshots (
	block_number   BIGINT NOT NULL,
	address        BYTEA NOT NULL,
	balance        NUMERIC NOT NULL,
	dirty_amount   NUMERIC NOT NULL,
	PRIMARY KEY (block_number, address)
);

CREATE TABLE IF NOT EXISTS current_dirty (
	address        BYTEA PRIMARY KEY,
	balance        NUMERIC NOT NULL,
	dirty_amount   NUMERIC NOT NULL,
	last_block     BIGINT NOT NULL
);
`

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("export: migrate postgres schema: %w", err)
	}
	return nil
}

// RecordSnapshot mirrors one address's score at block into both sink
// tables. Conflicting rows are left untouched (spec.md §6's "do nothing"
// conflict policy) — a replayed block must never overwrite a score
// computed from a longer, more authoritative run.
func (p *Postgres) RecordSnapshot(ctx context.Context, block uint64, addr common.Address, score taint.Score) error {
	batch := &pgxBatch{}
	batch.snapshot(block, addr, score)
	batch.currentDirty(block, addr, score)
	return p.execBatch(ctx, batch)
}

type pgxBatch struct {
	statements []pgxStatement
}

type pgxStatement struct {
	sql  string
	args []interface{}
}

func (b *pgxBatch) snapshot(block uint64, addr common.Address, score taint.Score) {
	b.statements = append(b.statements, pgxStatement{
		sql: `INSERT INTO address_snapshots (block_number, address, balance, dirty_amount)
		      VALUES ($1, $2, $3, $4)
		      ON CONFLICT (block_number, address) DO NOTHING`,
		args: []interface{}{int64(block), addr.Bytes(), score.Balance.String(), score.DirtyAmount.String()},
	})
}

func (b *pgxBatch) currentDirty(block uint64, addr common.Address, score taint.Score) {
	if !score.IsDirty() {
		b.statements = append(b.statements, pgxStatement{
			sql:  `DELETE FROM current_dirty WHERE address = $1`,
			args: []interface{}{addr.Bytes()},
		})
		return
	}
	b.statements = append(b.statements, pgxStatement{
		sql: `INSERT INTO current_dirty (address, balance, dirty_amount, last_block)
		      VALUES ($1, $2, $3, $4)
		      ON CONFLICT (address) DO NOTHING`,
		args: []interface{}{addr.Bytes(), score.Balance.String(), score.DirtyAmount.String(), int64(block)},
	})
}

func (p *Postgres) execBatch(ctx context.Context, batch *pgxBatch) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("export: begin postgres tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range batch.statements {
		if _, err := tx.Exec(ctx, stmt.sql, stmt.args...); err != nil {
			return fmt.Errorf("export: exec postgres statement: %w", err)
		}
	}
	return tx.Commit(ctx)
}
