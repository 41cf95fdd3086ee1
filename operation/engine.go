/*
Package operation applies stock operations against the ledger.

PURPOSE:
  A stock operation clears, transfers, converts or returns stock in one
  atomic step. It snapshots derived stock for every source item, decides
  how much leaves, where it goes and in what form, records the difference
  between counted and expected quantity, and writes the operation rows and
  the ledger rows in the same database transaction.

OPERATION FLOW:
  1. Classify      op type -> FULL | PARTIAL | none
  2. Lock          stock_locks rows for every source and output item/store
  3. Snapshot      original_stock = current stock per source item
  4. Remove        FULL: everything; PARTIAL/return: declared or converted qty
  5. Reconcile     FULL only: wastage / surplus against declared output
  6. Write         operation + lines + conversions, then ledger headers

WASTAGE AND SURPLUS (FULL only):
  original 100, declared output  90  ->  wastage 10, surplus  0
  original 100, declared output 110  ->  wastage  0, surplus 10
  original 100, declared output 100  ->  wastage  0, surplus  0

  stock_before - total_declared_output = wastage - surplus

LEDGER TYPES:
  with conversions      ADJ_OUT at source,       ADJ_IN at destination
  cross-store transfer  TRANSFER_OUT at source,  TRANSFER_IN at destination
  same-store clearance  STOCK_CLEAR at source,   ADJ_IN for the counted qty

SEE ALSO:
  - taxonomy.go: Per-type profile table
  - transfer: Approving a transfer request runs ApplyTx
*/
package operation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/broadcast"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/sequence"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// ItemInput is one source item. Quantity means:
//   - PARTIAL and return: the quantity to remove
//   - FULL: the physically counted quantity that moves on (ignored when the
//     item has conversions)
//
// ExpectedStock is the stock the caller saw before counting. It is
// required for FULL clearances and optional otherwise; when set it must
// equal the snapshot taken under lock or the operation fails with a stale
// snapshot conflict. Of two FULL clearances racing on the same count, only
// the first still matches.
type ItemInput struct {
	ItemID        inventory.ItemID
	Quantity      decimal.Decimal
	ExpectedStock *decimal.Decimal
}

type ConversionInput struct {
	SourceItemID inventory.ItemID
	DestItemID   inventory.ItemID
	DestQty      decimal.Decimal
}

type Request struct {
	Type              inventory.OpType
	StoreNo           inventory.StoreNo
	DestStoreNo       inventory.StoreNo // required for cross-store types
	Items             []ItemInput
	Conversions       []ConversionInput
	FullClearance     bool // approved transfers only
	TransferRequestID string
	Terminal          string
	Note              string
}

type Result struct {
	Operation    inventory.Operation
	Transactions []inventory.Transaction
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store     inventory.TxStore
	Ledger    *inventory.Ledger
	Publisher broadcast.Publisher
	Logger    logrus.FieldLogger
	Now       func() time.Time
	// DefaultTerminal is written on requests that name no terminal.
	DefaultTerminal string
}

func NewEngine(store inventory.TxStore, ledger *inventory.Ledger) *Engine {
	return &Engine{
		Store:     store,
		Ledger:    ledger,
		Publisher: broadcast.Noop{},
		Logger:    logrus.StandardLogger(),
		Now:       func() time.Time { return time.Now().UTC() },

		DefaultTerminal: sequence.DefaultTerminal,
	}
}

// Apply runs one operation in its own database transaction.
func (e *Engine) Apply(ctx context.Context, req Request) (*Result, error) {
	if req.Type == inventory.OpApprovedTransfer {
		return nil, inventory.Invalid("type", "approved transfers are applied by approving a transfer request")
	}

	var res *Result
	err := e.Store.WithTx(ctx, func(st inventory.Store) error {
		r, err := e.ApplyTx(ctx, st, req)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, broadcast.EventOperationApplied, res)
	return res, nil
}

// ApplyTx runs one operation inside the caller's database transaction.
func (e *Engine) ApplyTx(ctx context.Context, st inventory.Store, req Request) (*Result, error) {
	if req.Type == inventory.OpReversal {
		return nil, inventory.Invalid("type", "use Reverse for reversals")
	}
	clearance, err := Classify(req.Type, req.FullClearance)
	if err != nil {
		return nil, err
	}
	p := profiles[req.Type]

	destNo, err := validate(req, p)
	if err != nil {
		return nil, err
	}
	req.Terminal = e.terminal(req.Terminal)
	if _, err := inventory.RequireBranch(ctx, st, req.StoreNo); err != nil {
		return nil, err
	}
	if destNo != req.StoreNo {
		if _, err := inventory.RequireBranch(ctx, st, destNo); err != nil {
			return nil, err
		}
	}

	items := make(map[inventory.ItemID]*inventory.Item)
	for _, in := range req.Items {
		item, err := inventory.RequireItem(ctx, st, in.ItemID)
		if err != nil {
			return nil, err
		}
		items[in.ItemID] = item
	}
	convsBy := make(map[inventory.ItemID][]ConversionInput)
	for _, cv := range req.Conversions {
		if _, ok := items[cv.DestItemID]; !ok {
			item, err := inventory.RequireItem(ctx, st, cv.DestItemID)
			if err != nil {
				return nil, err
			}
			items[cv.DestItemID] = item
		}
		convsBy[cv.SourceItemID] = append(convsBy[cv.SourceItemID], cv)
	}

	// Plan outputs before locking so every touched pair is known.
	type plan struct {
		in      ItemInput
		outputs []output
	}
	plans := make([]plan, 0, len(req.Items))
	for _, in := range req.Items {
		pl := plan{in: in}
		if cvs := convsBy[in.ItemID]; len(cvs) > 0 {
			for _, cv := range cvs {
				pl.outputs = append(pl.outputs, output{itemID: cv.DestItemID, qty: cv.DestQty})
			}
		}
		plans = append(plans, pl)
	}

	locks := newPairSet()
	for _, pl := range plans {
		locks.add(pl.in.ItemID, req.StoreNo)
		if len(pl.outputs) == 0 {
			locks.add(pl.in.ItemID, destNo)
		}
		for _, o := range pl.outputs {
			locks.add(o.itemID, destNo)
		}
	}
	for _, k := range locks.sorted() {
		if err := st.LockStock(ctx, k.item, k.store); err != nil {
			return nil, err
		}
	}

	bal := newBalances(st)

	// Snapshot, removal and outputs per source item.
	totalOriginal := decimal.Zero
	totalOutput := decimal.Zero
	removes := make([]decimal.Decimal, len(plans))
	originals := make([]decimal.Decimal, len(plans))
	for i := range plans {
		pl := &plans[i]
		original, err := bal.get(ctx, pl.in.ItemID, req.StoreNo)
		if err != nil {
			return nil, err
		}
		if pl.in.ExpectedStock != nil && !pl.in.ExpectedStock.Equal(original) {
			return nil, &inventory.StaleSnapshotError{
				ItemID: pl.in.ItemID, StoreNo: req.StoreNo,
				Expected: *pl.in.ExpectedStock, Actual: original,
			}
		}

		var remove decimal.Decimal
		switch clearance {
		case inventory.ClearanceFull:
			if original.IsNegative() {
				return nil, inventory.Invalid("items", "item %s has negative stock %s at store %d; record a stock take first",
					items[pl.in.ItemID].Code, original, req.StoreNo)
			}
			remove = original
		default:
			remove = pl.in.Quantity
			if len(pl.outputs) > 0 {
				remove = sumOutputs(pl.outputs)
			}
			if remove.GreaterThan(original) {
				return nil, &inventory.InsufficientStockError{
					ItemID: pl.in.ItemID, StoreNo: req.StoreNo,
					Available: original, Requested: remove,
				}
			}
		}

		if len(pl.outputs) == 0 {
			switch {
			case clearance == inventory.ClearanceFull:
				pl.outputs = []output{{itemID: pl.in.ItemID, qty: pl.in.Quantity}}
			case p.crossStore:
				pl.outputs = []output{{itemID: pl.in.ItemID, qty: remove}}
			}
		}

		originals[i] = original
		removes[i] = remove
		totalOriginal = totalOriginal.Add(original)
		totalOutput = totalOutput.Add(sumOutputs(pl.outputs))
	}

	wastage, surplus := decimal.Zero, decimal.Zero
	if clearance == inventory.ClearanceFull {
		wastage, surplus = reconcile(totalOriginal, totalOutput)
	}

	now := e.Now()
	code, err := sequence.Next(ctx, st, sequence.Request{
		Kind:     sequence.KindOperation,
		Store:    int(req.StoreNo),
		Date:     now,
		Terminal: req.Terminal,
	})
	if err != nil {
		return nil, err
	}

	op := inventory.Operation{
		ID:          uuid.NewString(),
		Code:        code,
		Type:        req.Type,
		StoreNo:     req.StoreNo,
		DestStoreNo: destNo,
		Clearance:   clearance,
		Wastage:     wastage,
		Surplus:     surplus,
		Terminal:    req.Terminal,
		Note:        req.Note,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.TransferRequestID != "" {
		id := req.TransferRequestID
		op.TransferRequestID = &id
	}

	var outLines, inLines []inventory.LineInput
	inIndex := make(map[inventory.ItemID]int)

	// Source lines first so same-store outputs see post-removal stock.
	for i, pl := range plans {
		after := bal.add(pl.in.ItemID, req.StoreNo, removes[i].Neg())
		op.Lines = append(op.Lines, inventory.OperationLine{
			ID:             uuid.NewString(),
			OpID:           op.ID,
			ItemID:         pl.in.ItemID,
			StoreNo:        req.StoreNo,
			OriginalStock:  originals[i],
			ClearedQty:     removes[i].Neg(),
			RemainingStock: after,
		})
		if removes[i].IsPositive() {
			outLines = append(outLines, inventory.LineInput{
				ItemID:   pl.in.ItemID,
				Quantity: removes[i],
				Total:    removes[i].Mul(items[pl.in.ItemID].BuyingPrice),
			})
		}
	}
	for _, pl := range plans {
		for _, o := range pl.outputs {
			before, err := bal.get(ctx, o.itemID, destNo)
			if err != nil {
				return nil, err
			}
			after := bal.add(o.itemID, destNo, o.qty)
			op.Lines = append(op.Lines, inventory.OperationLine{
				ID:             uuid.NewString(),
				OpID:           op.ID,
				ItemID:         o.itemID,
				StoreNo:        destNo,
				OriginalStock:  before,
				ClearedQty:     o.qty,
				RemainingStock: after,
			})
			if !o.qty.IsPositive() {
				continue
			}
			total := o.qty.Mul(items[o.itemID].BuyingPrice)
			if idx, ok := inIndex[o.itemID]; ok {
				inLines[idx].Quantity = inLines[idx].Quantity.Add(o.qty)
				inLines[idx].Total = inLines[idx].Total.Add(total)
				continue
			}
			inIndex[o.itemID] = len(inLines)
			inLines = append(inLines, inventory.LineInput{ItemID: o.itemID, Quantity: o.qty, Total: total})
		}
	}
	for _, cv := range req.Conversions {
		op.Conversions = append(op.Conversions, inventory.Conversion{
			ID:           uuid.NewString(),
			OpID:         op.ID,
			SourceItemID: cv.SourceItemID,
			DestItemID:   cv.DestItemID,
			DestQty:      cv.DestQty,
		})
	}

	if err := st.SaveOperation(ctx, op); err != nil {
		return nil, err
	}

	res := &Result{Operation: op}
	outType, inType := ledgerTypes(p, len(req.Conversions) > 0)
	if len(outLines) > 0 {
		tx, err := e.Ledger.RecordIn(ctx, st, inventory.RecordRequest{
			Type:          outType,
			StoreNo:       req.StoreNo,
			Lines:         outLines,
			ReferenceType: inventory.RefStockOperation,
			ReferenceID:   op.ID,
			Terminal:      req.Terminal,
			Note:          op.Code,
		})
		if err != nil {
			return nil, fmt.Errorf("record source ledger rows: %w", err)
		}
		res.Transactions = append(res.Transactions, *tx)
	}
	if len(inLines) > 0 {
		tx, err := e.Ledger.RecordIn(ctx, st, inventory.RecordRequest{
			Type:          inType,
			StoreNo:       destNo,
			Lines:         inLines,
			ReferenceType: inventory.RefStockOperation,
			ReferenceID:   op.ID,
			Terminal:      req.Terminal,
			Note:          op.Code,
		})
		if err != nil {
			return nil, fmt.Errorf("record destination ledger rows: %w", err)
		}
		res.Transactions = append(res.Transactions, *tx)
	}
	return res, nil
}

// reconcile splits the gap between snapshot and declared output.
func reconcile(original, output decimal.Decimal) (wastage, surplus decimal.Decimal) {
	diff := original.Sub(output)
	if diff.IsPositive() {
		return diff, decimal.Zero
	}
	return decimal.Zero, diff.Neg()
}

// =============================================================================
// VALIDATION - before any write
// =============================================================================

func validate(req Request, p profile) (inventory.StoreNo, error) {
	if req.StoreNo <= 0 {
		return 0, inventory.Invalid("store_no", "must be positive")
	}
	destNo := req.StoreNo
	if p.crossStore {
		if req.DestStoreNo <= 0 {
			return 0, inventory.Invalid("dest_store_no", "is required for %s", req.Type)
		}
		if req.DestStoreNo == req.StoreNo {
			return 0, inventory.Invalid("dest_store_no", "must differ from store_no for %s", req.Type)
		}
		destNo = req.DestStoreNo
	} else if req.DestStoreNo != 0 && req.DestStoreNo != req.StoreNo {
		return 0, inventory.Invalid("dest_store_no", "%s stays within one store", req.Type)
	}
	if req.Type == inventory.OpApprovedTransfer && req.TransferRequestID == "" {
		return 0, inventory.Invalid("transfer_request_id", "is required for approved transfers")
	}
	if !sequence.ValidTerminal(req.Terminal) {
		return 0, inventory.Invalid("terminal", "must be 1-8 letters or digits")
	}
	if len(req.Items) == 0 {
		return 0, inventory.Invalid("items", "at least one item is required")
	}

	sources := make(map[inventory.ItemID]bool)
	for i, in := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if in.ItemID == "" {
			return 0, inventory.Invalid(field+".item_id", "is required")
		}
		if sources[in.ItemID] {
			return 0, inventory.Invalid(field+".item_id", "item listed twice")
		}
		sources[in.ItemID] = true
		if in.Quantity.IsNegative() {
			return 0, inventory.Invalid(field+".quantity", "must not be negative")
		}
	}

	switch p.conversions {
	case conversionsForbidden:
		if len(req.Conversions) > 0 {
			return 0, inventory.Invalid("conversions", "not allowed for %s", req.Type)
		}
	case conversionsRequired:
		if len(req.Conversions) == 0 {
			return 0, inventory.Invalid("conversions", "required for %s", req.Type)
		}
	}

	converted := make(map[inventory.ItemID]bool)
	for i, cv := range req.Conversions {
		field := fmt.Sprintf("conversions[%d]", i)
		if !sources[cv.SourceItemID] {
			return 0, inventory.Invalid(field+".source_item_id", "is not one of the operation's items")
		}
		if cv.DestItemID == "" {
			return 0, inventory.Invalid(field+".dest_item_id", "is required")
		}
		if !cv.DestQty.IsPositive() {
			return 0, inventory.Invalid(field+".dest_qty", "must be positive")
		}
		converted[cv.SourceItemID] = true
	}

	clearance, _ := Classify(req.Type, req.FullClearance)
	for i, in := range req.Items {
		field := fmt.Sprintf("items[%d].quantity", i)
		if p.conversions == conversionsRequired && !converted[in.ItemID] {
			return 0, inventory.Invalid(fmt.Sprintf("items[%d]", i), "every item needs a conversion for %s", req.Type)
		}
		if clearance != inventory.ClearanceFull && !converted[in.ItemID] && !in.Quantity.IsPositive() {
			return 0, inventory.Invalid(field, "must be positive")
		}
		if clearance == inventory.ClearanceFull && in.ExpectedStock == nil {
			return 0, inventory.Invalid(fmt.Sprintf("items[%d].expected_stock", i), "is required for full clearances")
		}
	}
	return destNo, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// output is stock arriving at the destination store.
type output struct {
	itemID inventory.ItemID
	qty    decimal.Decimal
}

func sumOutputs(outs []output) decimal.Decimal {
	total := decimal.Zero
	for _, o := range outs {
		total = total.Add(o.qty)
	}
	return total
}

func (e *Engine) terminal(t string) string {
	switch {
	case t != "":
		return t
	case e.DefaultTerminal != "":
		return e.DefaultTerminal
	}
	return sequence.DefaultTerminal
}

type pairKey struct {
	item  inventory.ItemID
	store inventory.StoreNo
}

type pairSet map[pairKey]bool

func newPairSet() pairSet { return make(pairSet) }

func (s pairSet) add(item inventory.ItemID, store inventory.StoreNo) {
	s[pairKey{item: item, store: store}] = true
}

// sorted returns pairs in lock order: store, then item.
func (s pairSet) sorted() []pairKey {
	out := make([]pairKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].store != out[j].store {
			return out[i].store < out[j].store
		}
		return out[i].item < out[j].item
	})
	return out
}

// balances tracks running stock per pair while an operation is planned.
type balances struct {
	st   inventory.Store
	vals map[pairKey]decimal.Decimal
}

func newBalances(st inventory.Store) *balances {
	return &balances{st: st, vals: make(map[pairKey]decimal.Decimal)}
}

func (b *balances) get(ctx context.Context, item inventory.ItemID, store inventory.StoreNo) (decimal.Decimal, error) {
	k := pairKey{item: item, store: store}
	if v, ok := b.vals[k]; ok {
		return v, nil
	}
	v, err := inventory.StockOf(ctx, b.st, item, store)
	if err != nil {
		return decimal.Zero, err
	}
	b.vals[k] = v
	return v, nil
}

// add applies delta to a pair already read with get.
func (b *balances) add(item inventory.ItemID, store inventory.StoreNo, delta decimal.Decimal) decimal.Decimal {
	k := pairKey{item: item, store: store}
	v := b.vals[k].Add(delta)
	b.vals[k] = v
	return v
}

func (e *Engine) publish(ctx context.Context, kind broadcast.EventKind, res *Result) {
	if e.Publisher == nil || res == nil {
		return
	}
	stores := []int{int(res.Operation.StoreNo)}
	if res.Operation.DestStoreNo != res.Operation.StoreNo {
		stores = append(stores, int(res.Operation.DestStoreNo))
	}
	seen := make(map[inventory.ItemID]bool)
	var ids []string
	for _, l := range res.Operation.Lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			ids = append(ids, string(l.ItemID))
		}
	}
	ev := broadcast.Event{Kind: kind, StoreNos: stores, ItemIDs: ids, Reference: res.Operation.Code, At: e.Now()}
	if err := e.Publisher.Publish(ctx, ev); err != nil && e.Logger != nil {
		e.Logger.WithError(err).WithField("op_code", res.Operation.Code).Warn("broadcast failed")
	}
}
