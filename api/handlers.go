/*
handlers.go - HTTP API handlers for the inventory ledger

PURPOSE:
  Exposes the ledger, stock operations and transfer workflow via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain services.

ENDPOINTS:
  Catalog:
    GET    /api/items                      List items (?include_inactive=true)
    POST   /api/items                      Create item
    GET    /api/items/{id}                 Get item
    DELETE /api/items/{id}                 Deactivate item
    GET    /api/stores                     List stores
    POST   /api/stores                     Create store

  Stock (derived from the ledger):
    GET    /api/stock?item_id=&store_no=   Current stock of one item
    GET    /api/stores/{no}/stock          Stock of every item at a store
    GET    /api/stock/history?item_id=&store_no=  Entries with running balance

  Ledger:
    POST   /api/transactions               Record a transaction
    GET    /api/transactions/{id}          Get a transaction
    POST   /api/transactions/{id}/deactivate  Soft delete
    POST   /api/transactions/{id}/reverse  Append the opposite adjustment

  Operations:
    POST   /api/operations                 Apply a stock operation
    GET    /api/operations                 List (?store_no=&op_type=&limit=)
    GET    /api/operations/{id}            Get one
    POST   /api/operations/{id}/reverse    Reverse one

  Transfers:
    POST   /api/transfers                  Create request (PENDING)
    GET    /api/transfers                  List (?status=&store_no=&limit=)
    GET    /api/transfers/{id}             Get one
    POST   /api/transfers/{id}/approve     Approve and apply
    POST   /api/transfers/{id}/decline     Decline
    POST   /api/transfers/auto-approve     Create and approve in one call

  Sync:
    POST   /api/sync                       Offline terminal batch

ERROR HANDLING:
  Errors are returned as JSON with a status derived from inventory.KindOf:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate code, stale snapshot, terminal transfer)
  - 500: Internal errors. Logged; the response carries no details.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/config"
	"github.com/warp/inventory-ledger/ingest"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/operation"
	"github.com/warp/inventory-ledger/transfer"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *inventory.Ledger
	Catalog   *inventory.Catalog
	Engine    *operation.Engine
	Transfers *transfer.Service
	Ingest    *ingest.Service
	Logger    logrus.FieldLogger

	// Health reports database reachability for /healthz. Optional.
	Health func(ctx context.Context) error

	validate *validator.Validate
}

func NewHandler(ledger *inventory.Ledger, catalog *inventory.Catalog, engine *operation.Engine,
	transfers *transfer.Service, ing *ingest.Service, logger logrus.FieldLogger) *Handler {
	return &Handler{
		Ledger:    ledger,
		Catalog:   catalog,
		Engine:    engine,
		Transfers: transfers,
		Ingest:    ing,
		Logger:    logger,
		validate:  validator.New(),
	}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	items, err := h.Catalog.ListItems(r.Context(), includeInactive)
	if err != nil {
		h.writeDomainError(w, r, "ListItems", err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.Catalog.CreateItem(r.Context(), inventory.NewItem{
		Code:         req.Code,
		Name:         req.Name,
		BuyingPrice:  req.BuyingPrice,
		SellingPrice: req.SellingPrice,
	})
	if err != nil {
		h.writeDomainError(w, r, "CreateItem", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(*item))
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Catalog.GetItem(r.Context(), inventory.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "GetItem", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// DeactivateItem soft deletes an item. Its ledger history is kept.
func (h *Handler) DeactivateItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Catalog.DeactivateItem(r.Context(), inventory.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "DeactivateItem", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.Catalog.ListBranches(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "ListStores", err)
		return
	}
	dtos := make([]StoreDTO, len(stores))
	for i, b := range stores {
		dtos[i] = toStoreDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req CreateStoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Catalog.CreateBranch(r.Context(), inventory.StoreNo(req.StoreNo), req.Name)
	if err != nil {
		h.writeDomainError(w, r, "CreateStore", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStoreDTO(*b))
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	itemID, storeNo, ok := itemStoreQuery(w, r)
	if !ok {
		return
	}
	q, err := h.Ledger.CurrentStock(r.Context(), itemID, storeNo)
	if err != nil {
		h.writeDomainError(w, r, "GetStock", err)
		return
	}
	writeJSON(w, http.StatusOK, StockDTO{ItemID: string(itemID), StoreNo: int(storeNo), Quantity: q})
}

func (h *Handler) GetStoreStock(w http.ResponseWriter, r *http.Request) {
	no, err := strconv.Atoi(chi.URLParam(r, "no"))
	if err != nil || no <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid store number", nil)
		return
	}
	levels, err := h.Ledger.StoreStock(r.Context(), inventory.StoreNo(no))
	if err != nil {
		h.writeDomainError(w, r, "GetStoreStock", err)
		return
	}
	dtos := make([]StockDTO, len(levels))
	for i, l := range levels {
		dtos[i] = StockDTO{ItemID: string(l.ItemID), StoreNo: int(l.StoreNo), Quantity: l.Quantity}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetStockHistory(w http.ResponseWriter, r *http.Request) {
	itemID, storeNo, ok := itemStoreQuery(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.History(r.Context(), itemID, storeNo)
	if err != nil {
		h.writeDomainError(w, r, "GetStockHistory", err)
		return
	}
	dtos := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = HistoryEntryDTO{
			TransactionID: e.TransactionID,
			Code:          e.Code,
			Type:          string(e.Type),
			Quantity:      e.Quantity,
			Signed:        e.Signed,
			Balance:       e.Balance,
			CreatedAt:     e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func itemStoreQuery(w http.ResponseWriter, r *http.Request) (inventory.ItemID, inventory.StoreNo, bool) {
	itemID := r.URL.Query().Get("item_id")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required", nil)
		return "", 0, false
	}
	no, err := strconv.Atoi(r.URL.Query().Get("store_no"))
	if err != nil || no <= 0 {
		writeError(w, http.StatusBadRequest, "store_no must be a positive integer", nil)
		return "", 0, false
	}
	return inventory.ItemID(itemID), inventory.StoreNo(no), true
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Ledger.Record(r.Context(), inventory.RecordRequest{
		Type:     inventory.TxType(req.Type),
		StoreNo:  inventory.StoreNo(req.StoreNo),
		Lines:    toLineInputs(req.Lines),
		Code:     req.Code,
		Terminal: req.Terminal,
		Note:     req.Note,
	})
	if err != nil {
		h.writeDomainError(w, r, "RecordTransaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "GetTransaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) DeactivateTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "DeactivateTransaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	tx, err := h.Ledger.Reverse(r.Context(), chi.URLParam(r, "id"), req.Terminal, req.Note)
	if err != nil {
		h.writeDomainError(w, r, "ReverseTransaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

func (h *Handler) ApplyOperation(w http.ResponseWriter, r *http.Request) {
	var req ApplyOperationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Apply(r.Context(), req.toRequest())
	if err != nil {
		h.writeDomainError(w, r, "ApplyOperation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationResultDTO(res))
}

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter inventory.OperationFilter
	var ok bool
	if filter.StoreNo, ok = optionalStoreNo(w, q.Get("store_no")); !ok {
		return
	}
	if v := q.Get("op_type"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "op_type must be an integer", nil)
			return
		}
		filter.Type = inventory.OpType(n)
	}
	if filter.Limit, ok = optionalLimit(w, q.Get("limit")); !ok {
		return
	}

	ops, err := h.Engine.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "ListOperations", err)
		return
	}
	dtos := make([]OperationDTO, len(ops))
	for i, op := range ops {
		dtos[i] = toOperationDTO(op)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "GetOperation", err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(*op))
}

func (h *Handler) ReverseOperation(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.Engine.Reverse(r.Context(), chi.URLParam(r, "id"), req.Terminal, req.Note)
	if err != nil {
		h.writeDomainError(w, r, "ReverseOperation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationResultDTO(res))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.Transfers.Create(r.Context(), req.toRequest())
	if err != nil {
		h.writeDomainError(w, r, "CreateTransfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(*tr))
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.TransferFilter{Status: inventory.TransferStatus(q.Get("status"))}
	var ok bool
	if filter.StoreNo, ok = optionalStoreNo(w, q.Get("store_no")); !ok {
		return
	}
	if filter.Limit, ok = optionalLimit(w, q.Get("limit")); !ok {
		return
	}
	trs, err := h.Transfers.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "ListTransfers", err)
		return
	}
	dtos := make([]TransferDTO, len(trs))
	for i, tr := range trs {
		dtos[i] = toTransferDTO(tr)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	tr, err := h.Transfers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "GetTransfer", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(*tr))
}

func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, res, err := h.Transfers.Approve(r.Context(), chi.URLParam(r, "id"), req.Approver)
	if err != nil {
		h.writeDomainError(w, r, "ApproveTransfer", err)
		return
	}
	out := toOperationResultDTO(res)
	writeJSON(w, http.StatusOK, TransferDecisionDTO{Transfer: toTransferDTO(*tr), Operation: &out})
}

func (h *Handler) DeclineTransfer(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.Transfers.Decline(r.Context(), chi.URLParam(r, "id"), req.Approver, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, "DeclineTransfer", err)
		return
	}
	writeJSON(w, http.StatusOK, TransferDecisionDTO{Transfer: toTransferDTO(*tr)})
}

// AutoApproveTransfer creates and approves in one call. When the approval
// fails after the request was created, the PENDING request is returned
// with the error status so the client can follow up on it.
func (h *Handler) AutoApproveTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	approver := req.Approver
	if approver == "" {
		approver = "auto"
	}
	tr, res, err := h.Transfers.AutoApprove(r.Context(), req.toRequest(), approver)
	if err != nil {
		if tr == nil {
			h.writeDomainError(w, r, "AutoApproveTransfer", err)
			return
		}
		status, msg := h.classify(r, "AutoApproveTransfer", err)
		writeJSON(w, status, TransferDecisionDTO{Transfer: toTransferDTO(*tr), Error: msg})
		return
	}
	out := toOperationResultDTO(res)
	writeJSON(w, http.StatusCreated, TransferDecisionDTO{Transfer: toTransferDTO(*tr), Operation: &out})
}

// =============================================================================
// SYNC AND HEALTH
// =============================================================================

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Ingest.Apply(r.Context(), req.toBatch()))
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			config.LogError(h.Logger, "api", "Healthz", "database ping failed", nil, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return h.check(w, dst)
	}
	return h.decode(w, r, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  "Validation failed",
				Fields: processValidationErrors(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func processValidationErrors(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		out[ve.Field()] = ve.Tag()
	}
	return out
}

func optionalStoreNo(w http.ResponseWriter, v string) (inventory.StoreNo, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "store_no must be a positive integer", nil)
		return 0, false
	}
	return inventory.StoreNo(n), true
}

func optionalLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}

// classify maps a domain error to a status and a client-safe message.
// Internal errors are logged with the request id.
func (h *Handler) classify(r *http.Request, funcName string, err error) (int, string) {
	switch inventory.KindOf(err) {
	case inventory.KindValidation:
		return http.StatusBadRequest, err.Error()
	case inventory.KindNotFound:
		return http.StatusNotFound, err.Error()
	case inventory.KindConflict:
		return http.StatusConflict, err.Error()
	default:
		config.LogError(h.Logger, "api", funcName, "request failed", map[string]string{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}, err)
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	status, msg := h.classify(r, funcName, err)
	resp := ErrorResponse{Error: http.StatusText(status), Details: msg}
	if status == http.StatusInternalServerError {
		resp.Details = ""
	}
	var verr *inventory.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		resp.Fields = map[string]string{verr.Field: verr.Reason}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
