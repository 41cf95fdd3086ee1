package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSFER REQUESTS
// =============================================================================

type TransferStatus string

const (
	TransferPending  TransferStatus = "PENDING"
	TransferApproved TransferStatus = "APPROVED"
	TransferDeclined TransferStatus = "DECLINED"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferApproved || s == TransferDeclined
}

// TransferRequest asks to move stock of one item between stores.
// Status leaves PENDING exactly once.
type TransferRequest struct {
	ID            string          `db:"id"`
	Code          string          `db:"code"`
	MainItemID    ItemID          `db:"main_item_id"`
	Quantity      decimal.Decimal `db:"quantity"`
	SourceStoreNo StoreNo         `db:"source_store_no"`
	DestStoreNo   StoreNo         `db:"dest_store_no"`
	FullClearance bool            `db:"full_clearance"`
	// ExpectedStock is the source stock the requester saw. Approval fails
	// with a stale snapshot conflict when stock has moved since.
	ExpectedStock decimal.NullDecimal `db:"expected_stock"`
	Status        TransferStatus      `db:"status"`
	RequestedBy   string              `db:"requested_by"`
	Approver      string              `db:"approver"`
	DeclineReason string              `db:"decline_reason"`
	OperationID   *string             `db:"operation_id"`
	Terminal      string              `db:"terminal"`
	Note          string              `db:"note"`
	Active        bool                `db:"active"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`

	Conversions []TransferConversion `db:"-"`
}

// TransferConversion is a proposed conversion carried by a request and
// copied into the operation on approval.
type TransferConversion struct {
	ID           string          `db:"id"`
	TransferID   string          `db:"transfer_id"`
	SourceItemID ItemID          `db:"source_item_id"`
	DestItemID   ItemID          `db:"dest_item_id"`
	DestQty      decimal.Decimal `db:"dest_qty"`
}

// TransferDecision moves a PENDING request to a terminal status.
type TransferDecision struct {
	ID            string
	Status        TransferStatus
	Approver      string
	DeclineReason string
	OperationID   *string
	At            time.Time
}

type TransferFilter struct {
	Status  TransferStatus
	StoreNo StoreNo // matches source or destination
	Limit   int
}
