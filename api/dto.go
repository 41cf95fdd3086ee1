/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:
  Quantities and prices are decimals. They are written as JSON strings
  ("430.5") and accepted as strings or numbers.

VALIDATION:
  Shape checks live in `validate` struct tags (go-playground/validator).
  Business rules (stock, state, existence) are checked by the services.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/inventory-ledger/ingest"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/operation"
	"github.com/warp/inventory-ledger/transfer"
)

// =============================================================================
// CATALOG
// =============================================================================

type ItemDTO struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	BuyingPrice  decimal.Decimal `json:"buying_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type CreateItemRequest struct {
	Code         string          `json:"code" validate:"required,max=32"`
	Name         string          `json:"name" validate:"required,max=120"`
	BuyingPrice  decimal.Decimal `json:"buying_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

type StoreDTO struct {
	StoreNo   int       `json:"store_no"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateStoreRequest struct {
	StoreNo int    `json:"store_no" validate:"required,gt=0"`
	Name    string `json:"name" validate:"required,max=120"`
}

func toItemDTO(i inventory.Item) ItemDTO {
	return ItemDTO{
		ID:           string(i.ID),
		Code:         i.Code,
		Name:         i.Name,
		BuyingPrice:  i.BuyingPrice,
		SellingPrice: i.SellingPrice,
		Active:       i.Active,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

func toStoreDTO(b inventory.Branch) StoreDTO {
	return StoreDTO{StoreNo: int(b.No), Name: b.Name, Active: b.Active, CreatedAt: b.CreatedAt}
}

// =============================================================================
// STOCK
// =============================================================================

type StockDTO struct {
	ItemID   string          `json:"item_id"`
	StoreNo  int             `json:"store_no"`
	Quantity decimal.Decimal `json:"quantity"`
}

type HistoryEntryDTO struct {
	TransactionID string          `json:"transaction_id"`
	Code          string          `json:"code"`
	Type          string          `json:"tx_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Signed        decimal.Decimal `json:"signed_quantity"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// =============================================================================
// LEDGER TRANSACTIONS
// =============================================================================

type LineDTO struct {
	ID       string          `json:"id,omitempty"`
	ItemID   string          `json:"item_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
}

type TransactionDTO struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	StoreNo       int       `json:"store_no"`
	Type          string    `json:"tx_type"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Terminal      string    `json:"terminal"`
	Note          string    `json:"note,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	Lines         []LineDTO `json:"lines"`
}

type RecordTransactionRequest struct {
	Type     string    `json:"tx_type" validate:"required"`
	StoreNo  int       `json:"store_no" validate:"required,gt=0"`
	Code     string    `json:"code,omitempty" validate:"omitempty,max=64"`
	Terminal string    `json:"terminal,omitempty" validate:"omitempty,alphanum,max=8"`
	Note     string    `json:"note,omitempty" validate:"max=500"`
	Lines    []LineDTO `json:"lines" validate:"required,min=1,dive"`
}

type ReverseRequest struct {
	Terminal string `json:"terminal,omitempty" validate:"omitempty,alphanum,max=8"`
	Note     string `json:"note,omitempty" validate:"max=500"`
}

func toTransactionDTO(tx inventory.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            tx.ID,
		Code:          tx.Code,
		StoreNo:       int(tx.StoreNo),
		Type:          string(tx.Type),
		ReferenceType: tx.ReferenceType,
		ReferenceID:   tx.ReferenceID,
		Terminal:      tx.Terminal,
		Note:          tx.Note,
		Active:        tx.Active,
		CreatedAt:     tx.CreatedAt,
		Lines:         make([]LineDTO, 0, len(tx.Lines)),
	}
	for _, l := range tx.Lines {
		dto.Lines = append(dto.Lines, LineDTO{ID: l.ID, ItemID: string(l.ItemID), Quantity: l.Quantity, Total: l.Total})
	}
	return dto
}

func toLineInputs(lines []LineDTO) []inventory.LineInput {
	out := make([]inventory.LineInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, inventory.LineInput{ItemID: inventory.ItemID(l.ItemID), Quantity: l.Quantity, Total: l.Total})
	}
	return out
}

// =============================================================================
// STOCK OPERATIONS
// =============================================================================

type OperationItemRequest struct {
	ItemID        string           `json:"item_id" validate:"required"`
	Quantity      decimal.Decimal  `json:"quantity"`
	ExpectedStock *decimal.Decimal `json:"expected_stock,omitempty"`
}

type ConversionDTO struct {
	SourceItemID string          `json:"source_item_id" validate:"required"`
	DestItemID   string          `json:"dest_item_id" validate:"required"`
	DestQty      decimal.Decimal `json:"dest_qty"`
}

type ApplyOperationRequest struct {
	Type        int                    `json:"op_type" validate:"required,min=1,max=10"`
	StoreNo     int                    `json:"store_no" validate:"required,gt=0"`
	DestStoreNo int                    `json:"dest_store_no,omitempty" validate:"gte=0"`
	Items       []OperationItemRequest `json:"items" validate:"required,min=1,dive"`
	Conversions []ConversionDTO        `json:"conversions,omitempty" validate:"dive"`
	Terminal    string                 `json:"terminal,omitempty" validate:"omitempty,alphanum,max=8"`
	Note        string                 `json:"note,omitempty" validate:"max=500"`
}

type OperationLineDTO struct {
	ItemID         string          `json:"item_id"`
	StoreNo        int             `json:"store_no"`
	OriginalStock  decimal.Decimal `json:"original_stock"`
	ClearedQty     decimal.Decimal `json:"cleared_qty"`
	RemainingStock decimal.Decimal `json:"remaining_stock"`
}

type OperationDTO struct {
	ID                string             `json:"id"`
	Code              string             `json:"op_code"`
	Type              int                `json:"op_type"`
	TypeName          string             `json:"op_type_name"`
	StoreNo           int                `json:"store_no"`
	DestStoreNo       int                `json:"dest_store_no"`
	Clearance         string             `json:"clearance_type,omitempty"`
	Wastage           decimal.Decimal    `json:"wastage"`
	Surplus           decimal.Decimal    `json:"surplus"`
	ReversesOpID      *string            `json:"reverses_op_id,omitempty"`
	TransferRequestID *string            `json:"transfer_request_id,omitempty"`
	Terminal          string             `json:"terminal"`
	Note              string             `json:"note,omitempty"`
	Active            bool               `json:"active"`
	CreatedAt         time.Time          `json:"created_at"`
	Lines             []OperationLineDTO `json:"lines"`
	Conversions       []ConversionDTO    `json:"conversions"`
}

type OperationResultDTO struct {
	Operation    OperationDTO     `json:"operation"`
	Transactions []TransactionDTO `json:"transactions"`
}

func (o ApplyOperationRequest) toRequest() operation.Request {
	req := operation.Request{
		Type:        inventory.OpType(o.Type),
		StoreNo:     inventory.StoreNo(o.StoreNo),
		DestStoreNo: inventory.StoreNo(o.DestStoreNo),
		Terminal:    o.Terminal,
		Note:        o.Note,
	}
	for _, it := range o.Items {
		req.Items = append(req.Items, operation.ItemInput{
			ItemID:        inventory.ItemID(it.ItemID),
			Quantity:      it.Quantity,
			ExpectedStock: it.ExpectedStock,
		})
	}
	req.Conversions = toConversionInputs(o.Conversions)
	return req
}

func toConversionInputs(in []ConversionDTO) []operation.ConversionInput {
	var out []operation.ConversionInput
	for _, cv := range in {
		out = append(out, operation.ConversionInput{
			SourceItemID: inventory.ItemID(cv.SourceItemID),
			DestItemID:   inventory.ItemID(cv.DestItemID),
			DestQty:      cv.DestQty,
		})
	}
	return out
}

func toOperationDTO(op inventory.Operation) OperationDTO {
	dto := OperationDTO{
		ID:                op.ID,
		Code:              op.Code,
		Type:              int(op.Type),
		TypeName:          op.Type.String(),
		StoreNo:           int(op.StoreNo),
		DestStoreNo:       int(op.DestStoreNo),
		Clearance:         string(op.Clearance),
		Wastage:           op.Wastage,
		Surplus:           op.Surplus,
		ReversesOpID:      op.ReversesOpID,
		TransferRequestID: op.TransferRequestID,
		Terminal:          op.Terminal,
		Note:              op.Note,
		Active:            op.Active,
		CreatedAt:         op.CreatedAt,
		Lines:             make([]OperationLineDTO, 0, len(op.Lines)),
		Conversions:       make([]ConversionDTO, 0, len(op.Conversions)),
	}
	for _, l := range op.Lines {
		dto.Lines = append(dto.Lines, OperationLineDTO{
			ItemID:         string(l.ItemID),
			StoreNo:        int(l.StoreNo),
			OriginalStock:  l.OriginalStock,
			ClearedQty:     l.ClearedQty,
			RemainingStock: l.RemainingStock,
		})
	}
	for _, c := range op.Conversions {
		dto.Conversions = append(dto.Conversions, ConversionDTO{
			SourceItemID: string(c.SourceItemID),
			DestItemID:   string(c.DestItemID),
			DestQty:      c.DestQty,
		})
	}
	return dto
}

func toOperationResultDTO(res *operation.Result) OperationResultDTO {
	dto := OperationResultDTO{
		Operation:    toOperationDTO(res.Operation),
		Transactions: make([]TransactionDTO, 0, len(res.Transactions)),
	}
	for _, tx := range res.Transactions {
		dto.Transactions = append(dto.Transactions, toTransactionDTO(tx))
	}
	return dto
}

// =============================================================================
// TRANSFER REQUESTS
// =============================================================================

type CreateTransferRequest struct {
	MainItemID    string          `json:"main_item_id" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity"`
	SourceStoreNo int             `json:"source_store_no" validate:"required,gt=0"`
	DestStoreNo   int             `json:"dest_store_no" validate:"required,gt=0,nefield=SourceStoreNo"`
	FullClearance bool            `json:"full_clearance"`
	// ExpectedStock is required with full_clearance.
	ExpectedStock *decimal.Decimal `json:"expected_stock,omitempty"`
	Conversions   []ConversionDTO `json:"conversions,omitempty" validate:"dive"`
	RequestedBy   string          `json:"requested_by" validate:"max=120"`
	Terminal      string          `json:"terminal,omitempty" validate:"omitempty,alphanum,max=8"`
	Note          string          `json:"note,omitempty" validate:"max=500"`
	// Approver is used only by auto-approve.
	Approver string `json:"approver,omitempty" validate:"max=120"`
}

type DecisionRequest struct {
	Approver string `json:"approver" validate:"required,max=120"`
	Reason   string `json:"reason,omitempty" validate:"max=500"`
}

type TransferDTO struct {
	ID            string           `json:"id"`
	Code          string           `json:"code"`
	MainItemID    string           `json:"main_item_id"`
	Quantity      decimal.Decimal  `json:"quantity"`
	SourceStoreNo int              `json:"source_store_no"`
	DestStoreNo   int              `json:"dest_store_no"`
	FullClearance bool             `json:"full_clearance"`
	ExpectedStock *decimal.Decimal `json:"expected_stock,omitempty"`
	Status        string           `json:"status"`
	RequestedBy   string           `json:"requested_by,omitempty"`
	Approver      string           `json:"approver,omitempty"`
	DeclineReason string           `json:"decline_reason,omitempty"`
	OperationID   *string          `json:"operation_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Conversions   []ConversionDTO  `json:"conversions"`
}

// TransferDecisionDTO is returned by approve and auto-approve.
type TransferDecisionDTO struct {
	Transfer  TransferDTO         `json:"transfer"`
	Operation *OperationResultDTO `json:"operation,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (t CreateTransferRequest) toRequest() transfer.CreateRequest {
	return transfer.CreateRequest{
		MainItemID:    inventory.ItemID(t.MainItemID),
		Quantity:      t.Quantity,
		SourceStoreNo: inventory.StoreNo(t.SourceStoreNo),
		DestStoreNo:   inventory.StoreNo(t.DestStoreNo),
		FullClearance: t.FullClearance,
		ExpectedStock: t.ExpectedStock,
		Conversions:   toConversionInputs(t.Conversions),
		RequestedBy:   t.RequestedBy,
		Terminal:      t.Terminal,
		Note:          t.Note,
	}
}

func expectedStockOf(tr inventory.TransferRequest) *decimal.Decimal {
	if !tr.ExpectedStock.Valid {
		return nil
	}
	d := tr.ExpectedStock.Decimal
	return &d
}

func toTransferDTO(tr inventory.TransferRequest) TransferDTO {
	dto := TransferDTO{
		ID:            tr.ID,
		Code:          tr.Code,
		MainItemID:    string(tr.MainItemID),
		Quantity:      tr.Quantity,
		SourceStoreNo: int(tr.SourceStoreNo),
		DestStoreNo:   int(tr.DestStoreNo),
		FullClearance: tr.FullClearance,
		ExpectedStock: expectedStockOf(tr),
		Status:        string(tr.Status),
		RequestedBy:   tr.RequestedBy,
		Approver:      tr.Approver,
		DeclineReason: tr.DeclineReason,
		OperationID:   tr.OperationID,
		CreatedAt:     tr.CreatedAt,
		UpdatedAt:     tr.UpdatedAt,
		Conversions:   make([]ConversionDTO, 0, len(tr.Conversions)),
	}
	for _, c := range tr.Conversions {
		dto.Conversions = append(dto.Conversions, ConversionDTO{
			SourceItemID: string(c.SourceItemID),
			DestItemID:   string(c.DestItemID),
			DestQty:      c.DestQty,
		})
	}
	return dto
}

// =============================================================================
// SYNC
// =============================================================================

type SyncItemDTO struct {
	ID           string          `json:"id,omitempty"`
	Code         string          `json:"code" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	BuyingPrice  decimal.Decimal `json:"buying_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Active       bool            `json:"active"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SyncTransactionDTO struct {
	Code      string    `json:"code"`
	Type      string    `json:"tx_type"`
	StoreNo   int       `json:"store_no"`
	Terminal  string    `json:"terminal,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Lines     []LineDTO `json:"lines"`
}

// SyncRequest rows are validated per row by the ingest service so one bad
// row does not reject the batch.
type SyncRequest struct {
	Items        []SyncItemDTO        `json:"items"`
	Transactions []SyncTransactionDTO `json:"transactions"`
}

func (s SyncRequest) toBatch() ingest.Batch {
	var b ingest.Batch
	for _, it := range s.Items {
		b.Items = append(b.Items, inventory.Item{
			ID:           inventory.ItemID(it.ID),
			Code:         it.Code,
			Name:         it.Name,
			BuyingPrice:  it.BuyingPrice,
			SellingPrice: it.SellingPrice,
			Active:       it.Active,
			UpdatedAt:    it.UpdatedAt,
		})
	}
	for _, tx := range s.Transactions {
		b.Transactions = append(b.Transactions, inventory.RecordRequest{
			Type:      inventory.TxType(tx.Type),
			StoreNo:   inventory.StoreNo(tx.StoreNo),
			Lines:     toLineInputs(tx.Lines),
			Code:      tx.Code,
			Terminal:  tx.Terminal,
			Note:      tx.Note,
			CreatedAt: tx.CreatedAt,
		})
	}
	return b
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
