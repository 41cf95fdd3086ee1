package sqlstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/store/sqlstore"
)

var testNow = time.Date(2026, time.October, 17, 7, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlstore.Store {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// SEQUENCES
// =============================================================================

func TestNextSequence_ConcurrentCallersGetDistinctNumbers(t *testing.T) {
	// GIVEN: a file database shared by many goroutines
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	const workers = 25
	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)

	// WHEN: each claims a number for the same prefix in its own transaction
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(context.Background(), func(st inventory.Store) error {
				n, err := st.NextSequence(context.Background(), "S1-261017-CLR-00")
				if err != nil {
					return err
				}
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: numbers are 1..N with no gaps or repeats
	require.Len(t, got, workers)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		assert.Equal(t, int64(i+1), n)
	}
}

func TestNextSequence_PrefixesAreIndependent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a1, err := store.NextSequence(ctx, "S1-261017-TXN-00")
	require.NoError(t, err)
	b1, err := store.NextSequence(ctx, "S2-261017-TXN-00")
	require.NoError(t, err)
	a2, err := store.NextSequence(ctx, "S1-261017-TXN-00")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1)
	assert.Equal(t, int64(1), b1)
	assert.Equal(t, int64(2), a2)
}

func TestNextSequence_RolledBackWithTransaction(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(st inventory.Store) error {
		_, err := st.NextSequence(ctx, "S1-261017-TRF-00")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := store.NextSequence(ctx, "S1-261017-TRF-00")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a rolled back claim does not burn a number")
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

func TestCreateBranch_DuplicateIsConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	b := inventory.Branch{No: 1, Name: "Main", Active: true, CreatedAt: testNow, UpdatedAt: testNow}

	require.NoError(t, store.CreateBranch(ctx, b))
	err := store.CreateBranch(ctx, b)
	assert.True(t, errors.Is(err, inventory.ErrDuplicateCode))
	assert.True(t, inventory.IsConflict(err))
}

func TestGetters_NotFound(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetItem(ctx, "missing")
	assert.True(t, inventory.IsNotFound(err))
	_, err = store.GetBranch(ctx, 4)
	assert.True(t, inventory.IsNotFound(err))
	_, err = store.GetTransaction(ctx, "missing")
	assert.True(t, inventory.IsNotFound(err))
	_, err = store.GetOperation(ctx, "missing")
	assert.True(t, inventory.IsNotFound(err))
	_, err = store.GetTransferRequest(ctx, "missing")
	assert.True(t, inventory.IsNotFound(err))
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

func TestAppendTransaction_RoundTripsDecimals(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	tx := inventory.Transaction{
		ID:        uuid.NewString(),
		Code:      "S1-261017-TXN-00-001",
		StoreNo:   1,
		Type:      inventory.TxBuying,
		Terminal:  "00",
		Active:    true,
		CreatedAt: testNow,
		UpdatedAt: testNow,
		Lines: []inventory.Line{{
			ID:       uuid.NewString(),
			ItemID:   "item-1",
			Quantity: decimal.RequireFromString("12.345"),
			Total:    decimal.RequireFromString("99.90"),
			Active:   true,
		}},
	}
	tx.Lines[0].TransactionID = tx.ID
	require.NoError(t, store.AppendTransaction(ctx, tx))

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.True(t, got.Lines[0].Quantity.Equal(decimal.RequireFromString("12.345")))
	assert.True(t, got.CreatedAt.Equal(testNow))

	exists, err := store.TransactionCodeExists(ctx, tx.Code)
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := store.LoadEntries(ctx, "item-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, store.SetTransactionActive(ctx, tx.ID, false, testNow))
	entries, err = store.LoadEntries(ctx, "item-1", 1)
	require.NoError(t, err)
	assert.Empty(t, entries, "inactive headers contribute nothing")
}

// =============================================================================
// TRANSFER DECISIONS
// =============================================================================

func TestDecideTransfer_OnlyPendingRowsChange(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	req := inventory.TransferRequest{
		ID:            uuid.NewString(),
		Code:          "S2-261017-TRF-00-001",
		MainItemID:    "item-1",
		Quantity:      decimal.NewFromInt(5),
		SourceStoreNo: 1,
		DestStoreNo:   2,
		Status:        inventory.TransferPending,
		Terminal:      "00",
		Active:        true,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, store.SaveTransferRequest(ctx, req))

	opID := "op-1"
	require.NoError(t, store.DecideTransfer(ctx, inventory.TransferDecision{
		ID: req.ID, Status: inventory.TransferApproved, Approver: "manager", OperationID: &opID, At: testNow,
	}))

	// A second decision loses and reports the state it found.
	err := store.DecideTransfer(ctx, inventory.TransferDecision{
		ID: req.ID, Status: inventory.TransferDeclined, Approver: "other", At: testNow,
	})
	var stateErr *inventory.TransferStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, inventory.TransferApproved, stateErr.Status)

	got, err := store.GetTransferRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.TransferApproved, got.Status)
	assert.Equal(t, "manager", got.Approver)
	require.NotNil(t, got.OperationID)
	assert.Equal(t, opID, *got.OperationID)

	err = store.DecideTransfer(ctx, inventory.TransferDecision{ID: "missing", Status: inventory.TransferDeclined, At: testNow})
	assert.True(t, inventory.IsNotFound(err))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(st inventory.Store) error {
		if err := st.CreateItem(ctx, inventory.Item{
			ID: "item-1", Code: "RICE01", Name: "Rice", Active: true, CreatedAt: testNow, UpdatedAt: testNow,
		}); err != nil {
			return err
		}
		return inventory.Invalid("quantity", "must be positive")
	})
	assert.True(t, inventory.IsClientError(err))

	_, err = store.GetItem(ctx, "item-1")
	assert.True(t, inventory.IsNotFound(err))
}

func TestFileDatabase_ReadsDoNotWaitForWriters(t *testing.T) {
	// GIVEN: a write transaction holding the database write lock
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithTx(ctx, func(st inventory.Store) error {
			if err := st.LockStock(ctx, "item-1", 1); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	select {
	case <-locked:
	case err := <-done:
		t.Fatalf("writer finished early: %v", err)
	}

	// WHEN: a reader asks for stock while the writer is open
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	entries, err := store.LoadEntries(readCtx, "item-1", 1)

	// THEN: the read returns without waiting for the commit
	require.NoError(t, err)
	assert.Empty(t, entries)

	close(release)
	require.NoError(t, <-done)
}

func TestOpen_PoolSize(t *testing.T) {
	memory := newStore(t)
	assert.Equal(t, 1, memory.DB().Stats().MaxOpenConnections, "in-memory data lives on one connection")

	file, err := sqlstore.New(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })
	assert.Equal(t, 0, file.DB().Stats().MaxOpenConnections, "files use an unbounded pool")
}

func TestOpen_AddsColumnsToOlderDatabases(t *testing.T) {
	// GIVEN: a database whose transfer_requests predates expected_stock
	path := filepath.Join(t.TempDir(), "inventory.db")
	store, err := sqlstore.New(path)
	require.NoError(t, err)
	_, err = store.DB().Exec(`ALTER TABLE transfer_requests DROP COLUMN expected_stock`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: it is opened again
	store, err = sqlstore.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// THEN: the column is back and requests round-trip
	req := inventory.TransferRequest{
		ID: uuid.NewString(), Code: "S2-261017-TRF-00-001", MainItemID: "item-1",
		Quantity: decimal.NewFromInt(5), SourceStoreNo: 1, DestStoreNo: 2, FullClearance: true,
		ExpectedStock: decimal.NewNullDecimal(decimal.NewFromInt(12)), Status: inventory.TransferPending,
		Terminal: "00", Active: true, CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, store.SaveTransferRequest(context.Background(), req))
	got, err := store.GetTransferRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.True(t, got.ExpectedStock.Valid)
	assert.True(t, got.ExpectedStock.Decimal.Equal(decimal.NewFromInt(12)))
}

// =============================================================================
// POSTGRES
// =============================================================================

// TestPostgres_MigrateAndSequence runs against a real server when
// INVENTORY_TEST_DATABASE_URL is set.
func TestPostgres_MigrateAndSequence(t *testing.T) {
	url := os.Getenv("INVENTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("INVENTORY_TEST_DATABASE_URL not set")
	}
	store, err := sqlstore.Open(sqlstore.DriverPostgres, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Migration is idempotent.
	again, err := sqlstore.Open(sqlstore.DriverPostgres, url)
	require.NoError(t, err)
	again.Close()

	ctx := context.Background()
	prefix := "TEST-" + uuid.NewString()
	var wg sync.WaitGroup
	results := make(chan int64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.NextSequence(ctx, prefix)
			assert.NoError(t, err)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		assert.False(t, seen[n], "duplicate %d", n)
		seen[n] = true
	}
	assert.Len(t, seen, 10)
}
