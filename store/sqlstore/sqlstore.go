/*
Package sqlstore provides the SQL implementation of inventory.TxStore.

PURPOSE:
  One implementation for two databases. SQLite (mattn/go-sqlite3) is the
  default and what tests run on; PostgreSQL is reached through the pgx
  stdlib driver. Queries are written with ? placeholders and rebound by
  sqlx for the active driver.

KEY TABLES:
  ledger_transactions / ledger_transaction_lines   append-only ledger
  stock_operations / stock_operation_lines         applied operations
  operation_conversions                            item conversions
  transfer_requests / transfer_conversions         approval workflow
  items / stores                                   catalog
  code_counters                                    atomic code sequences
  stock_locks                                      per item/store writer lock

CONCURRENCY:
  SQLite files run in WAL mode with a connection pool. Every WithTx starts
  with BEGIN IMMEDIATE, so writers queue on the database write lock (up to
  the 5s busy timeout) while reads keep going against the last committed
  snapshot. In-memory databases exist per connection and are held to one
  connection, which serializes reads behind writes as well. PostgreSQL
  runs every WithTx at SERIALIZABLE; serialization failures surface as
  inventory.ErrConflict and the caller may retry.

  Inside WithTx every query goes through the transaction. Writing through
  the parent Store from inside fn waits on the transaction's own lock.

USAGE:
  store, err := sqlstore.New(":memory:")          // SQLite
  store, err := sqlstore.Open("pgx", databaseURL) // PostgreSQL

SEE ALSO:
  - inventory/store.go: Interface definitions
  - schema.go: Tables and indexes
  - guardian: Installs the unique code indexes after repairing duplicates
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/inventory-ledger/inventory"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Store implements inventory.TxStore.
type Store struct {
	*conn
	db     *sqlx.DB
	driver string
}

// conn runs every query against either the pool or an open transaction.
type conn struct {
	ext sqlx.ExtContext
}

// New opens a SQLite database at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects with the given driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	memory := false
	switch driver {
	case DriverSQLite:
		memory = inMemory(dsn)
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// :memory: databases live and die with their connection.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	store := &Store{conn: &conn{ext: db}, db: db, driver: driver}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func inMemory(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for maintenance jobs such as the guardian.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	for _, c := range addedColumns {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE 1 = 0", c.column, c.table)); err == nil {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.ddl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// =============================================================================
// TRANSACTIONAL STORE (inventory.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	var opts *sql.TxOptions
	if s.driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&conn{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.ext.ExecContext(ctx, c.ext.Rebind(query), args...)
	return res, translate(err)
}

func (c *conn) get(ctx context.Context, dest any, query string, args ...any) error {
	return translate(sqlx.GetContext(ctx, c.ext, dest, c.ext.Rebind(query), args...))
}

func (c *conn) sel(ctx context.Context, dest any, query string, args ...any) error {
	return translate(sqlx.SelectContext(ctx, c.ext, dest, c.ext.Rebind(query), args...))
}

// translate maps driver errors onto the inventory taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return inventory.ErrDuplicateCode
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: database busy, retry", inventory.ErrConflict)
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateCode, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: concurrent update, retry", inventory.ErrConflict)
		}
	}
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", inventory.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// =============================================================================
// SEQUENCES AND LOCKS
// =============================================================================

// NextSequence advances the counter for prefix in one statement.
func (c *conn) NextSequence(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := c.get(ctx, &n, `
		INSERT INTO code_counters (prefix, last_no) VALUES (?, 1)
		ON CONFLICT (prefix) DO UPDATE SET last_no = code_counters.last_no + 1
		RETURNING last_no`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return n, nil
}

// LockStock writes the item/store lock row, holding it until commit.
func (c *conn) LockStock(ctx context.Context, itemID inventory.ItemID, storeNo inventory.StoreNo) error {
	_, err := c.exec(ctx, `
		INSERT INTO stock_locks (item_id, store_no, version) VALUES (?, ?, 1)
		ON CONFLICT (item_id, store_no) DO UPDATE SET version = stock_locks.version + 1`,
		string(itemID), int(storeNo))
	if err != nil {
		return fmt.Errorf("failed to lock stock: %w", err)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

const itemCols = `id, code, name, buying_price, selling_price, active, created_at, updated_at`

func (c *conn) CreateItem(ctx context.Context, item inventory.Item) error {
	_, err := c.exec(ctx, `INSERT INTO items (`+itemCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.ID), item.Code, item.Name, item.BuyingPrice, item.SellingPrice,
		item.Active, item.CreatedAt.UTC(), item.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

func (c *conn) UpdateItem(ctx context.Context, item inventory.Item) error {
	res, err := c.exec(ctx, `
		UPDATE items SET code = ?, name = ?, buying_price = ?, selling_price = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		item.Code, item.Name, item.BuyingPrice, item.SellingPrice, item.Active, item.UpdatedAt.UTC(), string(item.ID))
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: item %s", inventory.ErrNotFound, item.ID)
	}
	return nil
}

func (c *conn) GetItem(ctx context.Context, id inventory.ItemID) (*inventory.Item, error) {
	var item inventory.Item
	if err := c.get(ctx, &item, `SELECT `+itemCols+` FROM items WHERE id = ?`, string(id)); err != nil {
		return nil, notFound(err, "item %s", id)
	}
	return &item, nil
}

// GetItemByCode prefers the active, most recently edited row while legacy
// duplicates may still exist.
func (c *conn) GetItemByCode(ctx context.Context, code string) (*inventory.Item, error) {
	var item inventory.Item
	err := c.get(ctx, &item, `SELECT `+itemCols+` FROM items WHERE code = ?
		ORDER BY active DESC, updated_at DESC, id LIMIT 1`, code)
	if err != nil {
		return nil, notFound(err, "item code %s", code)
	}
	return &item, nil
}

func (c *conn) ListItems(ctx context.Context, includeInactive bool) ([]inventory.Item, error) {
	query := `SELECT ` + itemCols + ` FROM items`
	if !includeInactive {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY code, id`

	items := []inventory.Item{}
	if err := c.sel(ctx, &items, query); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

func (c *conn) SetItemActive(ctx context.Context, id inventory.ItemID, active bool, at time.Time) error {
	res, err := c.exec(ctx, `UPDATE items SET active = ?, updated_at = ? WHERE id = ?`, active, at.UTC(), string(id))
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: item %s", inventory.ErrNotFound, id)
	}
	return nil
}

const branchCols = `store_no, name, active, created_at, updated_at`

func (c *conn) CreateBranch(ctx context.Context, b inventory.Branch) error {
	_, err := c.exec(ctx, `INSERT INTO stores (`+branchCols+`) VALUES (?, ?, ?, ?, ?)`,
		int(b.No), b.Name, b.Active, b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create store %d: %w", b.No, err)
	}
	return nil
}

func (c *conn) GetBranch(ctx context.Context, no inventory.StoreNo) (*inventory.Branch, error) {
	var b inventory.Branch
	if err := c.get(ctx, &b, `SELECT `+branchCols+` FROM stores WHERE store_no = ?`, int(no)); err != nil {
		return nil, notFound(err, "store %d", no)
	}
	return &b, nil
}

func (c *conn) ListBranches(ctx context.Context) ([]inventory.Branch, error) {
	out := []inventory.Branch{}
	if err := c.sel(ctx, &out, `SELECT `+branchCols+` FROM stores ORDER BY store_no`); err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	return out, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

const (
	txCols   = `id, code, store_no, tx_type, reference_type, reference_id, terminal, note, active, created_at, updated_at`
	lineCols = `id, transaction_id, item_id, quantity, total, active`
)

// AppendTransaction inserts the header and its lines.
func (c *conn) AppendTransaction(ctx context.Context, tx inventory.Transaction) error {
	_, err := c.exec(ctx, `INSERT INTO ledger_transactions (`+txCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Code, int(tx.StoreNo), string(tx.Type), tx.ReferenceType, tx.ReferenceID,
		tx.Terminal, tx.Note, tx.Active, tx.CreatedAt.UTC(), tx.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append transaction %s: %w", tx.Code, err)
	}

	for i, l := range tx.Lines {
		_, err := c.exec(ctx, `
			INSERT INTO ledger_transaction_lines (id, transaction_id, line_no, item_id, quantity, total, active)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.ID, tx.ID, i, string(l.ItemID), l.Quantity, l.Total, l.Active)
		if err != nil {
			return fmt.Errorf("failed to append transaction line: %w", err)
		}
	}
	return nil
}

func (c *conn) GetTransaction(ctx context.Context, id string) (*inventory.Transaction, error) {
	var tx inventory.Transaction
	if err := c.get(ctx, &tx, `SELECT `+txCols+` FROM ledger_transactions WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	if err := c.loadLines(ctx, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *conn) loadLines(ctx context.Context, tx *inventory.Transaction) error {
	lines := []inventory.Line{}
	err := c.sel(ctx, &lines, `SELECT `+lineCols+` FROM ledger_transaction_lines
		WHERE transaction_id = ? ORDER BY line_no, id`, tx.ID)
	if err != nil {
		return fmt.Errorf("failed to load lines: %w", err)
	}
	tx.Lines = lines
	return nil
}

func (c *conn) TransactionCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	if err := c.get(ctx, &n, `SELECT COUNT(*) FROM ledger_transactions WHERE code = ?`, code); err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return n > 0, nil
}

func (c *conn) TransactionsByReference(ctx context.Context, refType, refID string) ([]inventory.Transaction, error) {
	txs := []inventory.Transaction{}
	err := c.sel(ctx, &txs, `SELECT `+txCols+` FROM ledger_transactions
		WHERE reference_type = ? AND reference_id = ? ORDER BY created_at, code, id`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	for i := range txs {
		if err := c.loadLines(ctx, &txs[i]); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

// SetTransactionActive is the one permitted write on an existing header.
func (c *conn) SetTransactionActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := c.exec(ctx, `UPDATE ledger_transactions SET active = ?, updated_at = ? WHERE id = ?`, active, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: transaction %s", inventory.ErrNotFound, id)
	}
	return nil
}

const entrySelect = `
	SELECT l.transaction_id, t.code, l.item_id, t.store_no, t.tx_type, l.quantity, t.created_at
	FROM ledger_transaction_lines l
	JOIN ledger_transactions t ON t.id = l.transaction_id
	WHERE l.active = TRUE AND t.active = TRUE`

// LoadEntries returns active entries for one item at one store, oldest first.
func (c *conn) LoadEntries(ctx context.Context, itemID inventory.ItemID, storeNo inventory.StoreNo) ([]inventory.Entry, error) {
	entries := []inventory.Entry{}
	err := c.sel(ctx, &entries, entrySelect+` AND l.item_id = ? AND t.store_no = ?
		ORDER BY t.created_at, t.code, t.id, l.line_no`, string(itemID), int(storeNo))
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	return entries, nil
}

func (c *conn) LoadStoreEntries(ctx context.Context, storeNo inventory.StoreNo) ([]inventory.Entry, error) {
	entries := []inventory.Entry{}
	err := c.sel(ctx, &entries, entrySelect+` AND t.store_no = ?
		ORDER BY t.created_at, t.code, t.id, l.line_no`, int(storeNo))
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	return entries, nil
}

// =============================================================================
// STOCK OPERATIONS
// =============================================================================

const (
	opCols = `id, op_code, op_type, store_no, dest_store_no, clearance_type, wastage, surplus,
		reverses_op_id, transfer_request_id, terminal, note, active, created_at, updated_at`
	opLineCols = `id, op_id, item_id, store_no, original_stock, cleared_qty, remaining_stock`
	convCols   = `id, op_id, source_item_id, dest_item_id, dest_qty`
)

func (c *conn) SaveOperation(ctx context.Context, op inventory.Operation) error {
	_, err := c.exec(ctx, `INSERT INTO stock_operations (`+opCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Code, int(op.Type), int(op.StoreNo), int(op.DestStoreNo), string(op.Clearance),
		op.Wastage, op.Surplus, op.ReversesOpID, op.TransferRequestID, op.Terminal, op.Note,
		op.Active, op.CreatedAt.UTC(), op.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", op.Code, err)
	}

	for i, l := range op.Lines {
		_, err := c.exec(ctx, `
			INSERT INTO stock_operation_lines
			(id, op_id, line_no, item_id, store_no, original_stock, cleared_qty, remaining_stock)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, op.ID, i, string(l.ItemID), int(l.StoreNo), l.OriginalStock, l.ClearedQty, l.RemainingStock)
		if err != nil {
			return fmt.Errorf("failed to save operation line: %w", err)
		}
	}
	for i, cv := range op.Conversions {
		_, err := c.exec(ctx, `
			INSERT INTO operation_conversions (id, op_id, line_no, source_item_id, dest_item_id, dest_qty)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cv.ID, op.ID, i, string(cv.SourceItemID), string(cv.DestItemID), cv.DestQty)
		if err != nil {
			return fmt.Errorf("failed to save conversion: %w", err)
		}
	}
	return nil
}

func (c *conn) GetOperation(ctx context.Context, id string) (*inventory.Operation, error) {
	var op inventory.Operation
	if err := c.get(ctx, &op, `SELECT `+opCols+` FROM stock_operations WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "operation %s", id)
	}
	if err := c.loadOperationChildren(ctx, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (c *conn) loadOperationChildren(ctx context.Context, op *inventory.Operation) error {
	lines := []inventory.OperationLine{}
	if err := c.sel(ctx, &lines, `SELECT `+opLineCols+` FROM stock_operation_lines
		WHERE op_id = ? ORDER BY line_no, id`, op.ID); err != nil {
		return fmt.Errorf("failed to load operation lines: %w", err)
	}
	convs := []inventory.Conversion{}
	if err := c.sel(ctx, &convs, `SELECT `+convCols+` FROM operation_conversions
		WHERE op_id = ? ORDER BY line_no, id`, op.ID); err != nil {
		return fmt.Errorf("failed to load conversions: %w", err)
	}
	op.Lines = lines
	op.Conversions = convs
	return nil
}

func (c *conn) ListOperations(ctx context.Context, f inventory.OperationFilter) ([]inventory.Operation, error) {
	var (
		where []string
		args  []any
	)
	if f.StoreNo != 0 {
		where = append(where, `(store_no = ? OR dest_store_no = ?)`)
		args = append(args, int(f.StoreNo), int(f.StoreNo))
	}
	if f.Type != 0 {
		where = append(where, `op_type = ?`)
		args = append(args, int(f.Type))
	}
	query := `SELECT ` + opCols + ` FROM stock_operations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	ops := []inventory.Operation{}
	if err := c.sel(ctx, &ops, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	for i := range ops {
		if err := c.loadOperationChildren(ctx, &ops[i]); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// FindReversal returns the active reversal of opID, or nil when none exists.
func (c *conn) FindReversal(ctx context.Context, opID string) (*inventory.Operation, error) {
	var op inventory.Operation
	err := c.get(ctx, &op, `SELECT `+opCols+` FROM stock_operations
		WHERE reverses_op_id = ? AND active = TRUE`, opID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reversal: %w", err)
	}
	return &op, nil
}

// =============================================================================
// TRANSFER REQUESTS
// =============================================================================

const (
	trCols = `id, code, main_item_id, quantity, source_store_no, dest_store_no, full_clearance, expected_stock, status,
		requested_by, approver, decline_reason, operation_id, terminal, note, active, created_at, updated_at`
	trConvCols = `id, transfer_id, source_item_id, dest_item_id, dest_qty`
)

func (c *conn) SaveTransferRequest(ctx context.Context, r inventory.TransferRequest) error {
	_, err := c.exec(ctx, `INSERT INTO transfer_requests (`+trCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Code, string(r.MainItemID), r.Quantity, int(r.SourceStoreNo), int(r.DestStoreNo),
		r.FullClearance, r.ExpectedStock, string(r.Status), r.RequestedBy, r.Approver, r.DeclineReason, r.OperationID,
		r.Terminal, r.Note, r.Active, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save transfer request %s: %w", r.Code, err)
	}
	for i, cv := range r.Conversions {
		_, err := c.exec(ctx, `
			INSERT INTO transfer_conversions (id, transfer_id, line_no, source_item_id, dest_item_id, dest_qty)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cv.ID, r.ID, i, string(cv.SourceItemID), string(cv.DestItemID), cv.DestQty)
		if err != nil {
			return fmt.Errorf("failed to save transfer conversion: %w", err)
		}
	}
	return nil
}

func (c *conn) GetTransferRequest(ctx context.Context, id string) (*inventory.TransferRequest, error) {
	var r inventory.TransferRequest
	if err := c.get(ctx, &r, `SELECT `+trCols+` FROM transfer_requests WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "transfer request %s", id)
	}
	if err := c.loadTransferConversions(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *conn) loadTransferConversions(ctx context.Context, r *inventory.TransferRequest) error {
	convs := []inventory.TransferConversion{}
	if err := c.sel(ctx, &convs, `SELECT `+trConvCols+` FROM transfer_conversions
		WHERE transfer_id = ? ORDER BY line_no, id`, r.ID); err != nil {
		return fmt.Errorf("failed to load transfer conversions: %w", err)
	}
	r.Conversions = convs
	return nil
}

func (c *conn) ListTransferRequests(ctx context.Context, f inventory.TransferFilter) ([]inventory.TransferRequest, error) {
	where := []string{`active = TRUE`}
	var args []any
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if f.StoreNo != 0 {
		where = append(where, `(source_store_no = ? OR dest_store_no = ?)`)
		args = append(args, int(f.StoreNo), int(f.StoreNo))
	}
	query := `SELECT ` + trCols + ` FROM transfer_requests WHERE ` + strings.Join(where, ` AND `) +
		` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	out := []inventory.TransferRequest{}
	if err := c.sel(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transfer requests: %w", err)
	}
	for i := range out {
		if err := c.loadTransferConversions(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecideTransfer is a conditional update: it only matches PENDING rows, so
// a second decision on the same request changes nothing.
func (c *conn) DecideTransfer(ctx context.Context, d inventory.TransferDecision) error {
	res, err := c.exec(ctx, `
		UPDATE transfer_requests
		SET status = ?, approver = ?, decline_reason = ?, operation_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(d.Status), d.Approver, d.DeclineReason, d.OperationID, d.At.UTC(),
		d.ID, string(inventory.TransferPending))
	if err != nil {
		return fmt.Errorf("failed to decide transfer request: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	if err := c.get(ctx, &status, `SELECT status FROM transfer_requests WHERE id = ?`, d.ID); err != nil {
		return notFound(err, "transfer request %s", d.ID)
	}
	return &inventory.TransferStateError{ID: d.ID, Status: inventory.TransferStatus(status)}
}
