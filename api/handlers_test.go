/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Catalog and stock endpoints
- Error mapping (400 / 404 / 409)
- Operations end to end through the router (RICE01 style)
- Transfer approve / decline / auto-approve
- Offline sync batches
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/ingest"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/operation"
	"github.com/warp/inventory-ledger/store/sqlstore"
	"github.com/warp/inventory-ledger/transfer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.October, 17, 11, 0, 0, 0, time.UTC)

type server struct {
	t      *testing.T
	router http.Handler
	store  *sqlstore.Store
}

func newServer(t *testing.T) *server {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	now := func() time.Time { return testNow }

	catalog := inventory.NewCatalog(store)
	catalog.Now = now
	ledger := inventory.NewLedger(store)
	ledger.Now = now
	engine := operation.NewEngine(store, ledger)
	engine.Now = now
	transfers := transfer.NewService(store, engine)
	transfers.Now = now
	ing := ingest.NewService(ledger, catalog)

	h := NewHandler(ledger, catalog, engine, transfers, ing, logger)
	h.Health = func(ctx context.Context) error { return store.DB().PingContext(ctx) }

	s := &server{t: t, router: NewRouter(h, []string{"*"}), store: store}
	s.mustDo(http.MethodPost, "/api/stores", CreateStoreRequest{StoreNo: 1, Name: "Main"}, http.StatusCreated, nil)
	s.mustDo(http.MethodPost, "/api/stores", CreateStoreRequest{StoreNo: 2, Name: "Annex"}, http.StatusCreated, nil)
	return s
}

func (s *server) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) mustDo(method, path string, body any, status int, out any) {
	s.t.Helper()
	rec := s.do(method, path, body)
	require.Equal(s.t, status, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
}

func (s *server) item(code string) string {
	s.t.Helper()
	var dto ItemDTO
	s.mustDo(http.MethodPost, "/api/items", CreateItemRequest{
		Code:        code,
		Name:        code,
		BuyingPrice: decimal.NewFromInt(3),
	}, http.StatusCreated, &dto)
	return dto.ID
}

func (s *server) opening(store int, itemID string, qty int64) {
	s.t.Helper()
	s.mustDo(http.MethodPost, "/api/transactions", RecordTransactionRequest{
		Type:    string(inventory.TxOpening),
		StoreNo: store,
		Lines:   []LineDTO{{ItemID: itemID, Quantity: decimal.NewFromInt(qty)}},
	}, http.StatusCreated, nil)
}

func (s *server) stock(itemID string, store int) decimal.Decimal {
	s.t.Helper()
	var dto StockDTO
	s.mustDo(http.MethodGet, fmt.Sprintf("/api/stock?item_id=%s&store_no=%d", itemID, store), nil, http.StatusOK, &dto)
	return dto.Quantity
}

func assertQty(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "%s: want %d, got %s", msg, want, got)
}

// =============================================================================
// CATALOG AND STOCK
// =============================================================================

func TestHealthz(t *testing.T) {
	s := newServer(t)
	s.mustDo(http.MethodGet, "/healthz", nil, http.StatusOK, nil)
}

func TestCreateItem_DuplicateCodeIsConflict(t *testing.T) {
	s := newServer(t)
	s.item("RICE01")

	rec := s.do(http.MethodPost, "/api/items", CreateItemRequest{Code: "rice01", Name: "Rice again"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCreateItem_ValidationFields(t *testing.T) {
	s := newServer(t)

	var resp ErrorResponse
	s.mustDo(http.MethodPost, "/api/items", CreateItemRequest{Name: "no code"}, http.StatusBadRequest, &resp)
	assert.Equal(t, "required", resp.Fields["Code"])
}

func TestCreateItem_MalformedBody(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetItem_NotFound(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/items/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStock_DerivedFromLedger(t *testing.T) {
	// GIVEN: an opening of 100 and a sale of 30
	s := newServer(t)
	id := s.item("SUGAR")
	s.opening(1, id, 100)
	s.mustDo(http.MethodPost, "/api/transactions", RecordTransactionRequest{
		Type:    string(inventory.TxSelling),
		StoreNo: 1,
		Lines:   []LineDTO{{ItemID: id, Quantity: decimal.NewFromInt(30)}},
	}, http.StatusCreated, nil)

	// THEN: stock is 70 and history carries the running balance
	assertQty(t, 70, s.stock(id, 1), "stock")

	var hist []HistoryEntryDTO
	s.mustDo(http.MethodGet, fmt.Sprintf("/api/stock/history?item_id=%s&store_no=1", id), nil, http.StatusOK, &hist)
	require.Len(t, hist, 2)
	assertQty(t, 100, hist[0].Balance, "first balance")
	assertQty(t, 70, hist[1].Balance, "second balance")

	var levels []StockDTO
	s.mustDo(http.MethodGet, "/api/stores/1/stock", nil, http.StatusOK, &levels)
	require.Len(t, levels, 1)
	assertQty(t, 70, levels[0].Quantity, "store stock")
}

func TestStock_BadQuery(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/stock?store_no=1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/stock?item_id=x&store_no=zero", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/stores/abc/stock", nil).Code)
}

func TestRecordTransaction_UnknownTypeIsBadRequest(t *testing.T) {
	s := newServer(t)
	id := s.item("SALT")
	rec := s.do(http.MethodPost, "/api/transactions", RecordTransactionRequest{
		Type:    "GIFT",
		StoreNo: 1,
		Lines:   []LineDTO{{ItemID: id, Quantity: decimal.NewFromInt(1)}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestDeactivateTransaction_RemovesFromStock(t *testing.T) {
	s := newServer(t)
	id := s.item("OIL")
	var tx TransactionDTO
	s.mustDo(http.MethodPost, "/api/transactions", RecordTransactionRequest{
		Type:    string(inventory.TxBuying),
		StoreNo: 1,
		Lines:   []LineDTO{{ItemID: id, Quantity: decimal.NewFromInt(12)}},
	}, http.StatusCreated, &tx)
	assertQty(t, 12, s.stock(id, 1), "before")

	s.mustDo(http.MethodPost, "/api/transactions/"+tx.ID+"/deactivate", nil, http.StatusOK, nil)
	assertQty(t, 0, s.stock(id, 1), "after")

	rec := s.do(http.MethodPost, "/api/transactions/"+tx.ID+"/deactivate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestApplyOperation_FullTransferConversion(t *testing.T) {
	// GIVEN: 430 RICE01 at store 1
	s := newServer(t)
	rice := s.item("RICE01")
	bran := s.item("BRAN01")
	flour := s.item("FLOUR01")
	s.opening(1, rice, 430)

	// WHEN: converting all of it into store 2 as 20 bran and 410 flour
	seen := decimal.NewFromInt(430)
	var res OperationResultDTO
	s.mustDo(http.MethodPost, "/api/operations", ApplyOperationRequest{
		Type:        int(inventory.OpFullTransferConversion),
		StoreNo:     1,
		DestStoreNo: 2,
		Items:       []OperationItemRequest{{ItemID: rice, Quantity: decimal.NewFromInt(430), ExpectedStock: &seen}},
		Conversions: []ConversionDTO{
			{SourceItemID: rice, DestItemID: bran, DestQty: decimal.NewFromInt(20)},
			{SourceItemID: rice, DestItemID: flour, DestQty: decimal.NewFromInt(410)},
		},
	}, http.StatusCreated, &res)

	// THEN
	assert.Equal(t, "FULL", res.Operation.Clearance)
	assert.True(t, res.Operation.Wastage.IsZero())
	assertQty(t, 0, s.stock(rice, 1), "rice at source")
	assertQty(t, 20, s.stock(bran, 2), "bran at destination")
	assertQty(t, 410, s.stock(flour, 2), "flour at destination")

	var listed []OperationDTO
	s.mustDo(http.MethodGet, "/api/operations?store_no=1&op_type=8", nil, http.StatusOK, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, res.Operation.ID, listed[0].ID)
}

func TestApplyOperation_InsufficientStock(t *testing.T) {
	s := newServer(t)
	id := s.item("BEANS")
	s.opening(1, id, 5)

	rec := s.do(http.MethodPost, "/api/operations", ApplyOperationRequest{
		Type:    int(inventory.OpPartialClearance),
		StoreNo: 1,
		Items:   []OperationItemRequest{{ItemID: id, Quantity: decimal.NewFromInt(6)}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assertQty(t, 5, s.stock(id, 1), "unchanged")
}

func TestApplyOperation_StaleSnapshotIsConflict(t *testing.T) {
	s := newServer(t)
	id := s.item("CORN")
	s.opening(1, id, 50)
	expected := decimal.NewFromInt(40)

	rec := s.do(http.MethodPost, "/api/operations", ApplyOperationRequest{
		Type:    int(inventory.OpFullClearance),
		StoreNo: 1,
		Items:   []OperationItemRequest{{ItemID: id, Quantity: decimal.NewFromInt(45), ExpectedStock: &expected}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestApplyOperation_FullClearanceNeedsExpectedStock(t *testing.T) {
	s := newServer(t)
	id := s.item("CORN")
	s.opening(1, id, 50)

	rec := s.do(http.MethodPost, "/api/operations", ApplyOperationRequest{
		Type:    int(inventory.OpFullClearance),
		StoreNo: 1,
		Items:   []OperationItemRequest{{ItemID: id, Quantity: decimal.NewFromInt(45)}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "expected_stock")
	assertQty(t, 50, s.stock(id, 1), "unchanged")
}

func TestReverseOperation(t *testing.T) {
	s := newServer(t)
	id := s.item("TEA")
	s.opening(1, id, 30)

	var res OperationResultDTO
	s.mustDo(http.MethodPost, "/api/operations", ApplyOperationRequest{
		Type:        int(inventory.OpPartialTransfer),
		StoreNo:     1,
		DestStoreNo: 2,
		Items:       []OperationItemRequest{{ItemID: id, Quantity: decimal.NewFromInt(10)}},
	}, http.StatusCreated, &res)
	assertQty(t, 20, s.stock(id, 1), "after transfer")

	var rev OperationResultDTO
	s.mustDo(http.MethodPost, "/api/operations/"+res.Operation.ID+"/reverse", nil, http.StatusCreated, &rev)
	require.NotNil(t, rev.Operation.ReversesOpID)
	assert.Equal(t, res.Operation.ID, *rev.Operation.ReversesOpID)
	assertQty(t, 30, s.stock(id, 1), "source restored")
	assertQty(t, 0, s.stock(id, 2), "destination restored")

	rec := s.do(http.MethodPost, "/api/operations/"+res.Operation.ID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_ApproveThenDeclineIsConflict(t *testing.T) {
	s := newServer(t)
	id := s.item("FLOUR")
	s.opening(1, id, 100)

	var tr TransferDTO
	s.mustDo(http.MethodPost, "/api/transfers", CreateTransferRequest{
		MainItemID:    id,
		Quantity:      decimal.NewFromInt(40),
		SourceStoreNo: 1,
		DestStoreNo:   2,
		RequestedBy:   "clerk",
	}, http.StatusCreated, &tr)
	assert.Equal(t, "PENDING", tr.Status)
	assertQty(t, 100, s.stock(id, 1), "pending writes nothing")

	var dec TransferDecisionDTO
	s.mustDo(http.MethodPost, "/api/transfers/"+tr.ID+"/approve", DecisionRequest{Approver: "manager"}, http.StatusOK, &dec)
	assert.Equal(t, "APPROVED", dec.Transfer.Status)
	require.NotNil(t, dec.Operation)
	assertQty(t, 60, s.stock(id, 1), "source")
	assertQty(t, 40, s.stock(id, 2), "destination")

	rec := s.do(http.MethodPost, "/api/transfers/"+tr.ID+"/decline", DecisionRequest{Approver: "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransfer_DeclineRequiresApprover(t *testing.T) {
	s := newServer(t)
	id := s.item("MILK")

	var tr TransferDTO
	s.mustDo(http.MethodPost, "/api/transfers", CreateTransferRequest{
		MainItemID:    id,
		Quantity:      decimal.NewFromInt(1),
		SourceStoreNo: 1,
		DestStoreNo:   2,
	}, http.StatusCreated, &tr)

	var resp ErrorResponse
	s.mustDo(http.MethodPost, "/api/transfers/"+tr.ID+"/decline", DecisionRequest{}, http.StatusBadRequest, &resp)
	assert.Equal(t, "required", resp.Fields["Approver"])

	var dec TransferDecisionDTO
	s.mustDo(http.MethodPost, "/api/transfers/"+tr.ID+"/decline",
		DecisionRequest{Approver: "manager", Reason: "not needed"}, http.StatusOK, &dec)
	assert.Equal(t, "DECLINED", dec.Transfer.Status)
	assert.Equal(t, "not needed", dec.Transfer.DeclineReason)

	var listed []TransferDTO
	s.mustDo(http.MethodGet, "/api/transfers?status=DECLINED", nil, http.StatusOK, &listed)
	assert.Len(t, listed, 1)
}

func TestTransfer_SameStoreRejected(t *testing.T) {
	s := newServer(t)
	id := s.item("EGGS")
	var resp ErrorResponse
	s.mustDo(http.MethodPost, "/api/transfers", CreateTransferRequest{
		MainItemID:    id,
		Quantity:      decimal.NewFromInt(1),
		SourceStoreNo: 1,
		DestStoreNo:   1,
	}, http.StatusBadRequest, &resp)
	assert.Equal(t, "nefield", resp.Fields["DestStoreNo"])
}

func TestTransfer_AutoApproveFailureKeepsRequest(t *testing.T) {
	// GIVEN: not enough stock for the requested quantity
	s := newServer(t)
	id := s.item("NUTS")
	s.opening(1, id, 3)

	// WHEN
	var dec TransferDecisionDTO
	s.mustDo(http.MethodPost, "/api/transfers/auto-approve", CreateTransferRequest{
		MainItemID:    id,
		Quantity:      decimal.NewFromInt(10),
		SourceStoreNo: 1,
		DestStoreNo:   2,
	}, http.StatusBadRequest, &dec)

	// THEN: the request exists and is still pending
	assert.Equal(t, "PENDING", dec.Transfer.Status)
	assert.NotEmpty(t, dec.Error)
	assert.Nil(t, dec.Operation)
	assertQty(t, 3, s.stock(id, 1), "unchanged")
}

func TestTransfer_AutoApprove(t *testing.T) {
	s := newServer(t)
	id := s.item("RICE02")
	s.opening(1, id, 10)

	var dec TransferDecisionDTO
	s.mustDo(http.MethodPost, "/api/transfers/auto-approve", CreateTransferRequest{
		MainItemID:    id,
		Quantity:      decimal.NewFromInt(4),
		SourceStoreNo: 1,
		DestStoreNo:   2,
	}, http.StatusCreated, &dec)
	assert.Equal(t, "APPROVED", dec.Transfer.Status)
	assert.Equal(t, "auto", dec.Transfer.Approver)
	assertQty(t, 4, s.stock(id, 2), "destination")
}

// =============================================================================
// SYNC
// =============================================================================

func TestSync_DuplicateCodeRejectedPerRow(t *testing.T) {
	s := newServer(t)
	id := s.item("SOAP")

	line := []LineDTO{{ItemID: id, Quantity: decimal.NewFromInt(5)}}
	batch := SyncRequest{Transactions: []SyncTransactionDTO{
		{Code: "S1-261017-TXN-04-001", Type: string(inventory.TxBuying), StoreNo: 1, Terminal: "04", CreatedAt: testNow, Lines: line},
		{Code: "S1-261017-TXN-04-001", Type: string(inventory.TxBuying), StoreNo: 1, Terminal: "04", CreatedAt: testNow, Lines: line},
	}}

	var res ingest.Result
	s.mustDo(http.MethodPost, "/api/sync", batch, http.StatusOK, &res)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assertQty(t, 5, s.stock(id, 1), "stock counted once")
}
