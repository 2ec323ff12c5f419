package collab

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresTransactionSchema = `
CREATE TABLE IF NOT EXISTS collab_transactions (
    collaboration_id TEXT NOT NULL,
    serial BIGINT NOT NULL,
    id TEXT NOT NULL,
    store_id BIGINT NOT NULL DEFAULT 0,
    patch JSONB,
    create_time TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collaboration_id, serial),
    UNIQUE (collaboration_id, id)
)
`

// PostgresTransactionStore shares the logs between server processes through one database.
type PostgresTransactionStore struct {
	pool *pgxpool.Pool
}

func OpenPostgresTransactionStore(ctx context.Context, url string) (*PostgresTransactionStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresTransactionSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresTransactionStore{
		pool: pool,
	}, nil
}

func (self *PostgresTransactionStore) Add(ctx context.Context, collaborationId string, tx *LegacyTransaction) (int64, bool, error) {
	var serial int64
	added := false
	err := pgx.BeginTxFunc(ctx, self.pool, pgx.TxOptions{}, func(dbTx pgx.Tx) error {
		// the per collaboration lock orders concurrent writers from other processes
		if _, err := dbTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, collaborationId); err != nil {
			return err
		}
		err := dbTx.QueryRow(
			ctx,
			`
			INSERT INTO collab_transactions (collaboration_id, serial, id, store_id, patch)
			SELECT $1, COALESCE(MAX(serial), 0) + 1, $2, $3, $4
			FROM collab_transactions
			WHERE collaboration_id = $1
			ON CONFLICT (collaboration_id, id) DO NOTHING
			RETURNING serial
			`,
			collaborationId,
			tx.Id,
			tx.StoreId,
			[]byte(tx.Patch),
		).Scan(&serial)
		if err == nil {
			added = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		// known id
		return dbTx.QueryRow(
			ctx,
			`SELECT serial FROM collab_transactions WHERE collaboration_id = $1 AND id = $2`,
			collaborationId,
			tx.Id,
		).Scan(&serial)
	})
	if err != nil {
		return 0, false, err
	}
	return serial, added, nil
}

func (self *PostgresTransactionStore) collect(rows pgx.Rows) ([]*LegacyTransaction, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*LegacyTransaction, error) {
		tx := &LegacyTransaction{}
		var patch []byte
		if err := row.Scan(&tx.Serial, &tx.Id, &tx.StoreId, &patch); err != nil {
			return nil, err
		}
		tx.Patch = patch
		return tx, nil
	})
}

func (self *PostgresTransactionStore) History(ctx context.Context, collaborationId string) ([]*LegacyTransaction, error) {
	rows, err := self.pool.Query(
		ctx,
		`
		SELECT serial, id, store_id, patch
		FROM collab_transactions
		WHERE collaboration_id = $1
		ORDER BY serial
		`,
		collaborationId,
	)
	if err != nil {
		return nil, err
	}
	return self.collect(rows)
}

func (self *PostgresTransactionStore) Get(ctx context.Context, collaborationId string, ids []string) ([]*LegacyTransaction, error) {
	rows, err := self.pool.Query(
		ctx,
		`
		SELECT serial, id, store_id, patch
		FROM collab_transactions
		WHERE collaboration_id = $1 AND id = ANY($2)
		ORDER BY serial
		`,
		collaborationId,
		ids,
	)
	if err != nil {
		return nil, err
	}
	return self.collect(rows)
}

func (self *PostgresTransactionStore) LastSerial(ctx context.Context, collaborationId string) (int64, error) {
	var last int64
	err := self.pool.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(serial), 0) FROM collab_transactions WHERE collaboration_id = $1`,
		collaborationId,
	).Scan(&last)
	return last, err
}

func (self *PostgresTransactionStore) Close() error {
	self.pool.Close()
	return nil
}
