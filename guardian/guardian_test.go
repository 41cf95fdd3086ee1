package guardian_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/guardian"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/operation"
	"github.com/warp/inventory-ledger/store/sqlstore"
	"github.com/warp/inventory-ledger/transfer"
)

func newGuardian(t *testing.T, db *sqlx.DB) *guardian.Guardian {
	logger, _ := test.NewNullLogger()
	g := guardian.New(db)
	g.Logger = logger
	return g
}

func tableReport(t *testing.T, r *guardian.Report, table string) guardian.TableReport {
	t.Helper()
	for _, tr := range r.Tables {
		if tr.Table == table {
			return tr
		}
	}
	t.Fatalf("no report for %s", table)
	return guardian.TableReport{}
}

// =============================================================================
// SURVIVOR SELECTION
// =============================================================================

func TestPickSurvivor(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	active := sql.NullBool{Bool: true, Valid: true}
	inactive := sql.NullBool{Bool: false, Valid: true}

	cases := []struct {
		name  string
		cands []guardian.Candidate
		want  string
	}{
		{
			name: "active beats newer inactive",
			cands: []guardian.Candidate{
				{ID: "a", Active: inactive, UpdatedAt: sql.NullTime{Time: newer, Valid: true}},
				{ID: "b", Active: active, UpdatedAt: sql.NullTime{Time: older, Valid: true}},
			},
			want: "b",
		},
		{
			name: "newest active wins",
			cands: []guardian.Candidate{
				{ID: "a", Active: active, UpdatedAt: sql.NullTime{Time: older, Valid: true}},
				{ID: "b", Active: active, UpdatedAt: sql.NullTime{Time: newer, Valid: true}},
			},
			want: "b",
		},
		{
			name: "null updated_at sorts last",
			cands: []guardian.Candidate{
				{ID: "a", Active: active},
				{ID: "b", Active: active, UpdatedAt: sql.NullTime{Time: older, Valid: true}},
			},
			want: "b",
		},
		{
			name: "lowest id breaks ties",
			cands: []guardian.Candidate{
				{ID: "c", Active: active, UpdatedAt: sql.NullTime{Time: older, Valid: true}},
				{ID: "a", Active: active, UpdatedAt: sql.NullTime{Time: older, Valid: true}},
			},
			want: "a",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			survivor, losers := guardian.PickSurvivor(tc.cands)
			assert.Equal(t, tc.want, survivor.ID)
			assert.Len(t, losers, len(tc.cands)-1)
		})
	}
}

// =============================================================================
// DEDUP AND INDEX
// =============================================================================

func TestRun_RemovesDuplicateItemCodes(t *testing.T) {
	// GIVEN: Two items with code RICE01, the newer one referenced by a ledger line
	// WHEN: The guardian runs
	// THEN: One item survives, references follow it, and the unique index exists
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := store.DB()
	ctx := context.Background()

	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	_, err = db.ExecContext(ctx, `INSERT INTO items (id, code, name, active, created_at, updated_at) VALUES
		('item-a', 'RICE01', 'Rice', TRUE, ?, ?),
		('item-b', 'RICE01', 'Rice (dup)', TRUE, ?, ?)`, older, newer, older, older)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO ledger_transaction_lines (id, transaction_id, item_id, quantity)
		VALUES ('line-1', 'tx-1', 'item-b', '5')`)
	require.NoError(t, err)

	report, err := newGuardian(t, db).Run(ctx)
	require.NoError(t, err)
	items := tableReport(t, report, "items")
	assert.Equal(t, 1, items.Groups)
	assert.Equal(t, 1, items.Removed)
	assert.True(t, items.IndexInstalled)

	var ids []string
	require.NoError(t, db.SelectContext(ctx, &ids, `SELECT id FROM items WHERE code = 'RICE01'`))
	assert.Equal(t, []string{"item-a"}, ids)

	var lineItem string
	require.NoError(t, db.GetContext(ctx, &lineItem, `SELECT item_id FROM ledger_transaction_lines WHERE id = 'line-1'`))
	assert.Equal(t, "item-a", lineItem)

	_, err = db.ExecContext(ctx, `INSERT INTO items (id, code, name, created_at, updated_at)
		VALUES ('item-c', 'RICE01', 'Rice', ?, ?)`, older, older)
	assert.Error(t, err, "unique index rejects a new duplicate")
}

func TestRun_DuplicateTransactionsDropChildRows(t *testing.T) {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := store.DB()
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = db.ExecContext(ctx, `INSERT INTO ledger_transactions (id, code, store_no, tx_type, active, created_at, updated_at) VALUES
		('tx-a', 'S1-250301-TXN-00-001', 1, 'OPENING', TRUE, ?, ?),
		('tx-b', 'S1-250301-TXN-00-001', 1, 'OPENING', FALSE, ?, ?)`, at, at, at, at)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO ledger_transaction_lines (id, transaction_id, item_id, quantity) VALUES
		('l-a', 'tx-a', 'item', '1'),
		('l-b', 'tx-b', 'item', '1')`)
	require.NoError(t, err)

	report, err := newGuardian(t, db).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tableReport(t, report, "ledger_transactions").Removed)

	var lines []string
	require.NoError(t, db.SelectContext(ctx, &lines, `SELECT id FROM ledger_transaction_lines ORDER BY id`))
	assert.Equal(t, []string{"l-a"}, lines)
}

func TestRun_Idempotent(t *testing.T) {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	g := newGuardian(t, store.DB())
	ctx := context.Background()

	first, err := g.Run(ctx)
	require.NoError(t, err)
	second, err := g.Run(ctx)
	require.NoError(t, err)

	for _, r := range []*guardian.Report{first, second} {
		assert.False(t, r.Skipped)
		for _, tr := range r.Tables {
			assert.Zero(t, tr.Groups, tr.Table)
			assert.True(t, tr.IndexInstalled, tr.Table)
			assert.Empty(t, tr.Err, tr.Table)
		}
	}
}

// =============================================================================
// OPERATION AND TRANSFER CASCADES
// =============================================================================

var (
	older = time.Date(2026, time.October, 16, 8, 0, 0, 0, time.UTC)
	newer = older.Add(time.Hour)
)

// shop is a database written through the real services, so duplicates
// carry the ledger rows and cross references a live system produces.
type shop struct {
	store     *sqlstore.Store
	db        *sqlx.DB
	ledger    *inventory.Ledger
	engine    *operation.Engine
	transfers *transfer.Service
}

func newShop(t *testing.T) *shop {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := func() time.Time { return newer }
	catalog := inventory.NewCatalog(store)
	catalog.Now = now
	ledger := inventory.NewLedger(store)
	ledger.Now = now
	engine := operation.NewEngine(store, ledger)
	engine.Now = now
	transfers := transfer.NewService(store, engine)
	transfers.Now = now

	ctx := context.Background()
	for _, no := range []inventory.StoreNo{1, 2} {
		_, err := catalog.CreateBranch(ctx, no, "Branch")
		require.NoError(t, err)
	}
	return &shop{store: store, db: store.DB(), ledger: ledger, engine: engine, transfers: transfers}
}

func (s *shop) item(t *testing.T, code string, opening int64) inventory.ItemID {
	ctx := context.Background()
	item, err := inventory.NewCatalog(s.store).CreateItem(ctx, inventory.NewItem{Code: code, Name: code})
	require.NoError(t, err)
	if opening > 0 {
		_, err = s.ledger.Record(ctx, inventory.RecordRequest{
			Type:    inventory.TxOpening,
			StoreNo: 1,
			Lines:   []inventory.LineInput{{ItemID: item.ID, Quantity: decimal.NewFromInt(opening)}},
		})
		require.NoError(t, err)
	}
	return item.ID
}

func (s *shop) clear(t *testing.T, item inventory.ItemID, qty int64) inventory.Operation {
	res, err := s.engine.Apply(context.Background(), operation.Request{
		Type:    inventory.OpPartialClearance,
		StoreNo: 1,
		Items:   []operation.ItemInput{{ItemID: item, Quantity: decimal.NewFromInt(qty)}},
	})
	require.NoError(t, err)
	return res.Operation
}

func (s *shop) stock(t *testing.T, item inventory.ItemID, store inventory.StoreNo) int64 {
	q, err := s.ledger.CurrentStock(context.Background(), item, store)
	require.NoError(t, err)
	return q.IntPart()
}

// stamp rewrites a row's code and edit time the way legacy writers left them.
func (s *shop) stamp(t *testing.T, table, column, id, code string, at time.Time) {
	_, err := s.db.Exec(s.db.Rebind(`UPDATE `+table+` SET `+column+` = ?, updated_at = ? WHERE id = ?`), code, at, id)
	require.NoError(t, err)
}

func (s *shop) count(t *testing.T, query string, args ...any) int {
	var n int
	require.NoError(t, s.db.Get(&n, s.db.Rebind(query), args...))
	return n
}

// dangling counts references to rows that no longer exist.
func (s *shop) dangling(t *testing.T) map[string]int {
	return map[string]int{
		"active ledger rows of missing operations": s.count(t, `SELECT COUNT(*) FROM ledger_transactions t
			WHERE t.reference_type = 'stock_operation' AND t.active = TRUE
			AND NOT EXISTS (SELECT 1 FROM stock_operations o WHERE o.id = t.reference_id)`),
		"operations of missing transfers": s.count(t, `SELECT COUNT(*) FROM stock_operations o
			WHERE o.transfer_request_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM transfer_requests r WHERE r.id = o.transfer_request_id)`),
		"transfers of missing operations": s.count(t, `SELECT COUNT(*) FROM transfer_requests r
			WHERE r.operation_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM stock_operations o WHERE o.id = r.operation_id)`),
		"reversals of missing operations": s.count(t, `SELECT COUNT(*) FROM stock_operations o
			WHERE o.reverses_op_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM stock_operations x WHERE x.id = o.reverses_op_id)`),
	}
}

func assertNoDangling(t *testing.T, s *shop) {
	t.Helper()
	for what, n := range s.dangling(t) {
		assert.Zero(t, n, what)
	}
}

func TestRun_DuplicateOperationsVoidTheirLedgerRows(t *testing.T) {
	// GIVEN: Two partial clearances of 10 from 100 that share one code
	s := newShop(t)
	ctx := context.Background()
	sugar := s.item(t, "SUGAR01", 100)
	keep := s.clear(t, sugar, 10)
	dup := s.clear(t, sugar, 10)
	s.stamp(t, "stock_operations", "op_code", dup.ID, keep.Code, older)
	require.Equal(t, int64(80), s.stock(t, sugar, 1))

	// WHEN: The guardian runs
	report, err := newGuardian(t, s.db).Run(ctx)
	require.NoError(t, err)

	// THEN: The duplicate is gone with its lines and ledger effect
	ops := tableReport(t, report, "stock_operations")
	assert.Equal(t, 1, ops.Groups)
	assert.Equal(t, 1, ops.Removed)
	assert.Equal(t, int64(1), ops.LedgerVoided)
	assert.True(t, ops.IndexInstalled)

	assert.Equal(t, int64(90), s.stock(t, sugar, 1))
	assert.Zero(t, s.count(t, `SELECT COUNT(*) FROM stock_operation_lines WHERE op_id = ?`, dup.ID))
	assertNoDangling(t, s)

	// The survivor can still be reversed as a whole.
	_, err = s.engine.Reverse(ctx, keep.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.stock(t, sugar, 1))
}

func TestRun_DuplicateOperationTakesItsReversal(t *testing.T) {
	// GIVEN: A duplicate clearance that was later reversed
	s := newShop(t)
	ctx := context.Background()
	oil := s.item(t, "OIL01", 50)
	keep := s.clear(t, oil, 5)
	dup := s.clear(t, oil, 5)
	rev, err := s.engine.Reverse(ctx, dup.ID, "", "")
	require.NoError(t, err)
	s.stamp(t, "stock_operations", "op_code", dup.ID, keep.Code, older)
	require.Equal(t, int64(45), s.stock(t, oil, 1))

	// WHEN: The guardian runs
	report, err := newGuardian(t, s.db).Run(ctx)
	require.NoError(t, err)

	// THEN: Duplicate and reversal go together and stock is unchanged
	ops := tableReport(t, report, "stock_operations")
	assert.Equal(t, 2, ops.Removed)
	assert.Equal(t, int64(2), ops.LedgerVoided)
	_, err = s.engine.Get(ctx, rev.Operation.ID)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	assert.Equal(t, int64(45), s.stock(t, oil, 1))
	assertNoDangling(t, s)
}

func TestRun_DuplicateOperationRelinksTransfer(t *testing.T) {
	// GIVEN: A transfer approved twice by a legacy writer; the newer
	//        application carries the same code and points at the transfer
	s := newShop(t)
	ctx := context.Background()
	salt := s.item(t, "SALT01", 100)
	tr, err := s.transfers.Create(ctx, transfer.CreateRequest{
		MainItemID: salt, Quantity: decimal.NewFromInt(5), SourceStoreNo: 1, DestStoreNo: 2,
	})
	require.NoError(t, err)
	_, first, err := s.transfers.Approve(ctx, tr.ID, "manager")
	require.NoError(t, err)

	again, err := s.engine.Apply(ctx, operation.Request{
		Type: inventory.OpPartialTransfer, StoreNo: 1, DestStoreNo: 2,
		Items: []operation.ItemInput{{ItemID: salt, Quantity: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE stock_operations SET transfer_request_id = ? WHERE id = ?`, tr.ID, again.Operation.ID)
	require.NoError(t, err)
	s.stamp(t, "stock_operations", "op_code", again.Operation.ID, first.Operation.Code, newer.Add(time.Hour))
	s.stamp(t, "stock_operations", "op_code", first.Operation.ID, first.Operation.Code, older)
	require.Equal(t, int64(90), s.stock(t, salt, 1))

	// WHEN: The guardian runs
	_, err = newGuardian(t, s.db).Run(ctx)
	require.NoError(t, err)

	// THEN: One application remains and the transfer points at it
	assert.Equal(t, int64(95), s.stock(t, salt, 1))
	assert.Equal(t, int64(5), s.stock(t, salt, 2))
	stored, err := s.transfers.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OperationID)
	assert.Equal(t, again.Operation.ID, *stored.OperationID)
	assertNoDangling(t, s)
}

func TestRun_DuplicateTransferCodesClearOperationLinks(t *testing.T) {
	// GIVEN: Two approved transfers sharing a code, the older with a conversion
	s := newShop(t)
	ctx := context.Background()
	salt := s.item(t, "SALT01", 100)
	fine := s.item(t, "SALT02", 0)

	keep, err := s.transfers.Create(ctx, transfer.CreateRequest{
		MainItemID: salt, Quantity: decimal.NewFromInt(5), SourceStoreNo: 1, DestStoreNo: 2,
	})
	require.NoError(t, err)
	dup, err := s.transfers.Create(ctx, transfer.CreateRequest{
		MainItemID: salt, SourceStoreNo: 1, DestStoreNo: 2,
		Conversions: []operation.ConversionInput{{SourceItemID: salt, DestItemID: fine, DestQty: decimal.NewFromInt(3)}},
	})
	require.NoError(t, err)
	_, _, err = s.transfers.Approve(ctx, keep.ID, "manager")
	require.NoError(t, err)
	_, dupRes, err := s.transfers.Approve(ctx, dup.ID, "manager")
	require.NoError(t, err)
	s.stamp(t, "transfer_requests", "code", dup.ID, keep.Code, older)

	// WHEN: The guardian runs
	report, err := newGuardian(t, s.db).Run(ctx)
	require.NoError(t, err)

	// THEN: The older request and its conversions are gone; the operation
	//       it produced stays on the ledger without a dangling link
	transfers := tableReport(t, report, "transfer_requests")
	assert.Equal(t, 1, transfers.Removed)
	assert.True(t, transfers.IndexInstalled)
	assert.Zero(t, s.count(t, `SELECT COUNT(*) FROM transfer_conversions WHERE transfer_id = ?`, dup.ID))

	op, err := s.engine.Get(ctx, dupRes.Operation.ID)
	require.NoError(t, err)
	assert.Nil(t, op.TransferRequestID)
	assert.Equal(t, int64(92), s.stock(t, salt, 1))
	assert.Equal(t, int64(3), s.stock(t, fine, 2))
	assertNoDangling(t, s)
}

// =============================================================================
// LEGACY SCHEMA
// =============================================================================

func TestRun_BackfillsLegacySchema(t *testing.T) {
	// GIVEN: A stock_operations table from before updated_at existed, with an empty code
	// WHEN: The guardian runs
	// THEN: The column is added and filled, and the code becomes LEGACY-{id}
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	_, err = db.ExecContext(ctx, `CREATE TABLE stock_operations (
		id TEXT PRIMARY KEY,
		op_code TEXT,
		active BOOLEAN,
		created_at TIMESTAMP
	)`)
	require.NoError(t, err)
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	_, err = db.ExecContext(ctx, `INSERT INTO stock_operations (id, op_code, active, created_at) VALUES ('op-1', '', NULL, ?)`, at)
	require.NoError(t, err)

	report, err := newGuardian(t, db).Run(ctx)
	require.NoError(t, err)
	assert.True(t, tableReport(t, report, "stock_operations").IndexInstalled)
	assert.NotEmpty(t, tableReport(t, report, "items").Err, "missing tables are reported, not fatal")

	var row struct {
		Code      string       `db:"op_code"`
		Active    bool         `db:"active"`
		UpdatedAt sql.NullTime `db:"updated_at"`
	}
	require.NoError(t, db.GetContext(ctx, &row, `SELECT op_code, active, updated_at FROM stock_operations WHERE id = 'op-1'`))
	assert.Equal(t, "LEGACY-op-1", row.Code)
	assert.True(t, row.Active)
	assert.True(t, row.UpdatedAt.Valid)
}

// =============================================================================
// LOCKING
// =============================================================================

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	locker := guardian.NewLocalLocker()
	held, err := locker.Obtain(ctx, guardian.LockKey, time.Minute)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	g := guardian.New(store.DB())
	g.Locker = locker
	g.Logger = logger

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	require.NoError(t, held.Release(ctx))
	report, err = g.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}
