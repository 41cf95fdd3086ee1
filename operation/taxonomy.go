package operation

import (
	"github.com/warp/inventory-ledger/inventory"
)

type conversionRule int

const (
	conversionsForbidden conversionRule = iota
	conversionsRequired
	conversionsOptional
)

// profile is the fixed behaviour of one op type.
type profile struct {
	clearance   inventory.ClearanceType
	crossStore  bool
	conversions conversionRule
	fromFlag    bool // clearance comes from Request.FullClearance
}

var profiles = map[inventory.OpType]profile{
	inventory.OpFullClearance:             {clearance: inventory.ClearanceFull},
	inventory.OpPartialClearance:          {clearance: inventory.ClearancePartial},
	inventory.OpFullTransfer:              {clearance: inventory.ClearanceFull, crossStore: true},
	inventory.OpPartialTransfer:           {clearance: inventory.ClearancePartial, crossStore: true},
	inventory.OpPartialConversion:         {clearance: inventory.ClearancePartial, conversions: conversionsRequired},
	inventory.OpFullConversion:            {clearance: inventory.ClearanceFull, conversions: conversionsRequired},
	inventory.OpPartialTransferConversion: {clearance: inventory.ClearancePartial, crossStore: true, conversions: conversionsRequired},
	inventory.OpFullTransferConversion:    {clearance: inventory.ClearanceFull, crossStore: true, conversions: conversionsRequired},
	inventory.OpApprovedTransfer:          {crossStore: true, conversions: conversionsOptional, fromFlag: true},
	inventory.OpReturn:                    {clearance: inventory.ClearanceNone, crossStore: true},
}

// Classify returns the clearance type of t. full is consulted only for
// approved transfers. Reversals have no clearance type.
func Classify(t inventory.OpType, full bool) (inventory.ClearanceType, error) {
	if t == inventory.OpReversal {
		return inventory.ClearanceNone, nil
	}
	p, ok := profiles[t]
	if !ok {
		return "", inventory.Invalid("type", "unknown operation type %d", int(t))
	}
	if p.fromFlag {
		if full {
			return inventory.ClearanceFull, nil
		}
		return inventory.ClearancePartial, nil
	}
	return p.clearance, nil
}

// CrossStore reports whether t moves stock to a different store.
func CrossStore(t inventory.OpType) bool {
	return profiles[t].crossStore
}

// ledgerTypes picks the header types written at the source and destination.
func ledgerTypes(p profile, withConversions bool) (out, in inventory.TxType) {
	switch {
	case withConversions:
		return inventory.TxAdjOut, inventory.TxAdjIn
	case p.crossStore:
		return inventory.TxTransferOut, inventory.TxTransferIn
	default:
		return inventory.TxStockClear, inventory.TxAdjIn
	}
}
