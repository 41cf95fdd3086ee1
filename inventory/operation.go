package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OPERATION TYPES
// =============================================================================

// OpType is the closed stock operation taxonomy. The numbers are persisted.
type OpType int

const (
	OpFullClearance             OpType = 1
	OpPartialClearance          OpType = 2
	OpFullTransfer              OpType = 3
	OpPartialTransfer           OpType = 4
	OpPartialConversion         OpType = 5
	OpFullConversion            OpType = 6
	OpPartialTransferConversion OpType = 7
	OpFullTransferConversion    OpType = 8
	OpApprovedTransfer          OpType = 9
	OpReturn                    OpType = 10
	OpReversal                  OpType = 11
)

var opNames = map[OpType]string{
	OpFullClearance:             "full_clearance",
	OpPartialClearance:          "partial_clearance",
	OpFullTransfer:              "full_transfer",
	OpPartialTransfer:           "partial_transfer",
	OpPartialConversion:         "partial_conversion",
	OpFullConversion:            "full_conversion",
	OpPartialTransferConversion: "partial_transfer_conversion",
	OpFullTransferConversion:    "full_transfer_conversion",
	OpApprovedTransfer:          "approved_transfer",
	OpReturn:                    "return",
	OpReversal:                  "reversal",
}

func (t OpType) Valid() bool {
	_, ok := opNames[t]
	return ok
}

func (t OpType) String() string {
	if n, ok := opNames[t]; ok {
		return n
	}
	return fmt.Sprintf("op_type(%d)", int(t))
}

type ClearanceType string

const (
	ClearanceFull    ClearanceType = "FULL"
	ClearancePartial ClearanceType = "PARTIAL"
	ClearanceNone    ClearanceType = ""
)

// =============================================================================
// OPERATION RECORDS
// =============================================================================

// Operation is the header row of one applied stock operation.
// For FULL clearances Wastage and Surplus are never both positive.
type Operation struct {
	ID                string          `db:"id"`
	Code              string          `db:"op_code"`
	Type              OpType          `db:"op_type"`
	StoreNo           StoreNo         `db:"store_no"`
	DestStoreNo       StoreNo         `db:"dest_store_no"`
	Clearance         ClearanceType   `db:"clearance_type"`
	Wastage           decimal.Decimal `db:"wastage"`
	Surplus           decimal.Decimal `db:"surplus"`
	ReversesOpID      *string         `db:"reverses_op_id"`
	TransferRequestID *string         `db:"transfer_request_id"`
	Terminal          string          `db:"terminal"`
	Note              string          `db:"note"`
	Active            bool            `db:"active"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`

	Lines       []OperationLine `db:"-"`
	Conversions []Conversion    `db:"-"`
}

// OperationLine snapshots one item/store touched by an operation.
// ClearedQty is negative at the source and positive at the destination.
type OperationLine struct {
	ID             string          `db:"id"`
	OpID           string          `db:"op_id"`
	ItemID         ItemID          `db:"item_id"`
	StoreNo        StoreNo         `db:"store_no"`
	OriginalStock  decimal.Decimal `db:"original_stock"`
	ClearedQty     decimal.Decimal `db:"cleared_qty"`
	RemainingStock decimal.Decimal `db:"remaining_stock"`
}

// Conversion maps a quantity of a source item into a destination item.
type Conversion struct {
	ID           string          `db:"id"`
	OpID         string          `db:"op_id"`
	SourceItemID ItemID          `db:"source_item_id"`
	DestItemID   ItemID          `db:"dest_item_id"`
	DestQty      decimal.Decimal `db:"dest_qty"`
}

// OperationFilter narrows ListOperations. Zero values mean "any".
type OperationFilter struct {
	StoreNo StoreNo
	Type    OpType
	Limit   int
}
