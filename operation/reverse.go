package operation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/inventory-ledger/broadcast"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/sequence"
)

// Reverse writes a reversal operation that cancels opID. The original and
// its ledger rows stay untouched; the reversal adds opposite rows so stock
// for every pair the operation touched returns to its prior value plus any
// movement recorded since. An operation can be reversed once.
func (e *Engine) Reverse(ctx context.Context, opID, terminal, note string) (*Result, error) {
	if !sequence.ValidTerminal(terminal) {
		return nil, inventory.Invalid("terminal", "must be 1-8 letters or digits")
	}

	var res *Result
	err := e.Store.WithTx(ctx, func(st inventory.Store) error {
		r, err := e.reverseIn(ctx, st, opID, terminal, note)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, broadcast.EventOperationReversed, res)
	return res, nil
}

func (e *Engine) reverseIn(ctx context.Context, st inventory.Store, opID, terminal, note string) (*Result, error) {
	terminal = e.terminal(terminal)
	orig, err := st.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if !orig.Active {
		return nil, fmt.Errorf("operation %s: %w", orig.Code, inventory.ErrAlreadyInactive)
	}
	if orig.Type == inventory.OpReversal {
		return nil, inventory.Invalid("id", "operation %s is itself a reversal", orig.Code)
	}
	prior, err := st.FindReversal(ctx, orig.ID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return nil, fmt.Errorf("operation %s reversed by %s: %w", orig.Code, prior.Code, inventory.ErrAlreadyReversed)
	}

	txs, err := st.TransactionsByReference(ctx, inventory.RefStockOperation, orig.ID)
	if err != nil {
		return nil, err
	}
	var active []inventory.Transaction
	locks := newPairSet()
	for _, tx := range txs {
		if !tx.Active {
			continue
		}
		active = append(active, tx)
		for _, line := range tx.Lines {
			if line.Active {
				locks.add(line.ItemID, tx.StoreNo)
			}
		}
	}
	for _, k := range locks.sorted() {
		if err := st.LockStock(ctx, k.item, k.store); err != nil {
			return nil, err
		}
	}

	now := e.Now()
	code, err := sequence.Next(ctx, st, sequence.Request{
		Kind:     sequence.KindOperation,
		Store:    int(orig.StoreNo),
		Date:     now,
		Terminal: terminal,
	})
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "reversal of " + orig.Code
	}
	origID := orig.ID
	op := inventory.Operation{
		ID:           uuid.NewString(),
		Code:         code,
		Type:         inventory.OpReversal,
		StoreNo:      orig.StoreNo,
		DestStoreNo:  orig.DestStoreNo,
		Clearance:    inventory.ClearanceNone,
		ReversesOpID: &origID,
		Terminal:     terminal,
		Note:         note,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Operation lines mirror the ledger effect: one line per pair with the
	// signed quantity the reversal applies.
	bal := newBalances(st)
	for _, tx := range active {
		opposite, err := tx.Type.Opposite()
		if err != nil {
			return nil, err
		}
		sign, err := opposite.Sign()
		if err != nil {
			return nil, err
		}
		for _, line := range tx.Lines {
			if !line.Active {
				continue
			}
			before, err := bal.get(ctx, line.ItemID, tx.StoreNo)
			if err != nil {
				return nil, err
			}
			delta := line.Quantity
			if sign < 0 {
				delta = delta.Neg()
			}
			after := bal.add(line.ItemID, tx.StoreNo, delta)
			op.Lines = append(op.Lines, inventory.OperationLine{
				ID:             uuid.NewString(),
				OpID:           op.ID,
				ItemID:         line.ItemID,
				StoreNo:        tx.StoreNo,
				OriginalStock:  before,
				ClearedQty:     delta,
				RemainingStock: after,
			})
		}
	}

	if err := st.SaveOperation(ctx, op); err != nil {
		return nil, err
	}

	res := &Result{Operation: op}
	for _, tx := range active {
		opposite, err := tx.Type.Opposite()
		if err != nil {
			return nil, err
		}
		var lines []inventory.LineInput
		for _, line := range tx.Lines {
			if line.Active {
				lines = append(lines, inventory.LineInput{ItemID: line.ItemID, Quantity: line.Quantity, Total: line.Total})
			}
		}
		if len(lines) == 0 {
			continue
		}
		rtx, err := e.Ledger.CorrectIn(ctx, st, inventory.RecordRequest{
			Type:          opposite,
			StoreNo:       tx.StoreNo,
			Lines:         lines,
			ReferenceType: inventory.RefStockOperation,
			ReferenceID:   op.ID,
			Terminal:      terminal,
			Note:          "reversal of " + tx.Code,
		})
		if err != nil {
			return nil, fmt.Errorf("record reversal of %s: %w", tx.Code, err)
		}
		res.Transactions = append(res.Transactions, *rtx)
	}
	return res, nil
}

// Get returns an operation with its lines and conversions.
func (e *Engine) Get(ctx context.Context, id string) (*inventory.Operation, error) {
	return e.Store.GetOperation(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter inventory.OperationFilter) ([]inventory.Operation, error) {
	if filter.Type != 0 && !filter.Type.Valid() {
		return nil, inventory.Invalid("type", "unknown operation type %d", int(filter.Type))
	}
	return e.Store.ListOperations(ctx, filter)
}
