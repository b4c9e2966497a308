package ingest

import (
	"context"

	"hookrelay.io/relay/core/db"
	"hookrelay.io/relay/internal/store"
)

// TxRunner runs functions within a transaction and provides stores bound
// to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores *store.Stores) error) error
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores *store.Stores) error) error {
	return r.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(store.NewStores(tx))
	})
}
