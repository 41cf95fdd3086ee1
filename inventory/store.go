/*
store.go - Persistence interface for the inventory engine

PURPOSE:
  Defines the boundary between domain logic and the database. One
  implementation (store/sqlstore) serves SQLite and PostgreSQL.

APPEND-ONLY CONTRACT:
  Ledger rows are inserted, never edited. The only permitted write on an
  existing transaction is SetTransactionActive, which soft deletes the
  whole transaction. Corrections are reversing transactions.

ATOMICITY:
  Composite writes run inside TxStore.WithTx. The Store handed to fn is
  bound to the database transaction; callers must use it (and only it)
  for every read and write inside fn.

SERIALIZATION:
  LockStock claims the (item, store) row in stock_locks for the rest of
  the transaction. Two writers touching the same item/store serialize on
  it. Plain reads never lock.

SEE ALSO:
  - ledger.go: Uses Store for recording and aggregation
  - store/sqlstore/sqlstore.go: Concrete implementation
*/
package inventory

import (
	"context"
	"time"
)

// Store handles persistence of catalog, ledger, operation and transfer rows.
type Store interface {
	// Catalog
	CreateItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id ItemID) (*Item, error)
	GetItemByCode(ctx context.Context, code string) (*Item, error)
	ListItems(ctx context.Context, includeInactive bool) ([]Item, error)
	SetItemActive(ctx context.Context, id ItemID, active bool, at time.Time) error
	CreateBranch(ctx context.Context, b Branch) error
	GetBranch(ctx context.Context, no StoreNo) (*Branch, error)
	ListBranches(ctx context.Context) ([]Branch, error)

	// Ledger
	AppendTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	TransactionCodeExists(ctx context.Context, code string) (bool, error)
	TransactionsByReference(ctx context.Context, refType, refID string) ([]Transaction, error)
	SetTransactionActive(ctx context.Context, id string, active bool, at time.Time) error
	LoadEntries(ctx context.Context, itemID ItemID, storeNo StoreNo) ([]Entry, error)
	LoadStoreEntries(ctx context.Context, storeNo StoreNo) ([]Entry, error)

	// Sequences and serialization
	NextSequence(ctx context.Context, prefix string) (int64, error)
	LockStock(ctx context.Context, itemID ItemID, storeNo StoreNo) error

	// Operations
	SaveOperation(ctx context.Context, op Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]Operation, error)
	FindReversal(ctx context.Context, opID string) (*Operation, error)

	// Transfer requests
	SaveTransferRequest(ctx context.Context, req TransferRequest) error
	GetTransferRequest(ctx context.Context, id string) (*TransferRequest, error)
	ListTransferRequests(ctx context.Context, filter TransferFilter) ([]TransferRequest, error)

	// DecideTransfer applies d only while the request is still PENDING.
	// Returns a *TransferStateError when it is not.
	DecideTransfer(ctx context.Context, d TransferDecision) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
