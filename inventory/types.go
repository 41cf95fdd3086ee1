/*
Package inventory provides the core stock ledger for a multi-store back office.

PURPOSE:
  Stock is never stored. It is derived by summing the signed quantities of
  every active ledger line for an item at a store. This package holds the
  domain types, the closed transaction-type sign table, the aggregator, the
  ledger service and the catalog of items and stores.

KEY CONCEPTS IN THIS FILE (types.go):
  - TxType: Closed set of ledger transaction types, each with a fixed sign
  - Transaction/Line: Append-only ledger header and its item lines
  - Entry: One signed contribution to stock (line joined to its header)
  - Item/Branch: Catalog records, soft deleted through the Active flag

SIGN TABLE:
  +1  OPENING, BUYING, ADJ_IN, TRANSFER_IN, STOCK_TAKE
  -1  SELLING, STOCK_CLEAR, ADJ_OUT, TRANSFER_OUT, WASTAGE

  Quantities on lines are unsigned magnitudes. The sign comes from the
  header's type and nowhere else.

SEE ALSO:
  - aggregate.go: Sum over entries
  - ledger.go: Recording, deactivating and reversing transactions
  - operation.go, transfer.go: Stock operation and transfer request records
*/
package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string

// StoreNo is the branch number. It appears in generated codes as S{no}.
type StoreNo int

// =============================================================================
// TRANSACTION TYPES - closed sign table
// =============================================================================

type TxType string

const (
	TxOpening     TxType = "OPENING"
	TxBuying      TxType = "BUYING"
	TxSelling     TxType = "SELLING"
	TxStockClear  TxType = "STOCK_CLEAR"
	TxAdjIn       TxType = "ADJ_IN"
	TxAdjOut      TxType = "ADJ_OUT"
	TxTransferIn  TxType = "TRANSFER_IN"
	TxTransferOut TxType = "TRANSFER_OUT"
	TxStockTake   TxType = "STOCK_TAKE"
	TxWastage     TxType = "WASTAGE"
)

var txSigns = map[TxType]int{
	TxOpening:     1,
	TxBuying:      1,
	TxAdjIn:       1,
	TxTransferIn:  1,
	TxStockTake:   1,
	TxSelling:     -1,
	TxStockClear:  -1,
	TxAdjOut:      -1,
	TxTransferOut: -1,
	TxWastage:     -1,
}

// Sign returns +1 or -1 for a known type.
func (t TxType) Sign() (int, error) {
	s, ok := txSigns[t]
	if !ok {
		return 0, &UnknownTxTypeError{Type: t}
	}
	return s, nil
}

func (t TxType) Valid() bool {
	_, ok := txSigns[t]
	return ok
}

// Opposite returns the adjustment type that cancels t.
func (t TxType) Opposite() (TxType, error) {
	s, err := t.Sign()
	if err != nil {
		return "", err
	}
	if s > 0 {
		return TxAdjOut, nil
	}
	return TxAdjIn, nil
}

// TxTypes lists every known type in a stable order.
func TxTypes() []TxType {
	return []TxType{
		TxOpening, TxBuying, TxSelling, TxStockClear, TxAdjIn,
		TxAdjOut, TxTransferIn, TxTransferOut, TxStockTake, TxWastage,
	}
}

// =============================================================================
// CATALOG
// =============================================================================

type Item struct {
	ID           ItemID          `db:"id"`
	Code         string          `db:"code"`
	Name         string          `db:"name"`
	BuyingPrice  decimal.Decimal `db:"buying_price"`
	SellingPrice decimal.Decimal `db:"selling_price"`
	Active       bool            `db:"active"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// Branch is a physical store location.
type Branch struct {
	No        StoreNo   `db:"store_no"`
	Name      string    `db:"name"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// =============================================================================
// LEDGER RECORDS
// =============================================================================

// Reference types written by the engine onto ledger headers.
const (
	RefStockOperation = "stock_operation"
	RefReversal       = "reversal"
	RefSync           = "sync"
)

type Transaction struct {
	ID            string    `db:"id"`
	Code          string    `db:"code"`
	StoreNo       StoreNo   `db:"store_no"`
	Type          TxType    `db:"tx_type"`
	ReferenceType string    `db:"reference_type"`
	ReferenceID   string    `db:"reference_id"`
	Terminal      string    `db:"terminal"`
	Note          string    `db:"note"`
	Active        bool      `db:"active"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`

	Lines []Line `db:"-"`
}

type Line struct {
	ID            string          `db:"id"`
	TransactionID string          `db:"transaction_id"`
	ItemID        ItemID          `db:"item_id"`
	Quantity      decimal.Decimal `db:"quantity"`
	Total         decimal.Decimal `db:"total"`
	Active        bool            `db:"active"`
}

// Entry is one line joined to its header: the unit the aggregator folds.
type Entry struct {
	TransactionID string          `db:"transaction_id"`
	Code          string          `db:"code"`
	ItemID        ItemID          `db:"item_id"`
	StoreNo       StoreNo         `db:"store_no"`
	Type          TxType          `db:"tx_type"`
	Quantity      decimal.Decimal `db:"quantity"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Signed returns the quantity with the sign of its transaction type.
func (e Entry) Signed() (decimal.Decimal, error) {
	s, err := e.Type.Sign()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: transaction %s: %v", ErrCorruptLedger, e.TransactionID, err)
	}
	if s < 0 {
		return e.Quantity.Neg(), nil
	}
	return e.Quantity, nil
}

// Entries flattens a transaction into the entries it contributes.
func (t Transaction) Entries() []Entry {
	out := make([]Entry, 0, len(t.Lines))
	for _, l := range t.Lines {
		if !l.Active {
			continue
		}
		out = append(out, Entry{
			TransactionID: t.ID,
			Code:          t.Code,
			ItemID:        l.ItemID,
			StoreNo:       t.StoreNo,
			Type:          t.Type,
			Quantity:      l.Quantity,
			CreatedAt:     t.CreatedAt,
		})
	}
	return out
}
