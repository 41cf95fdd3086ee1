/*
ledger.go - Append-only stock ledger

PURPOSE:
  The Ledger is the only source of truth for stock. Every purchase, sale,
  clearance, transfer and adjustment is a transaction here, and stock at
  any moment is the signed sum of active lines for an item at a store.
  There is no stock column that can drift from the history.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: lines are never edited. A whole transaction may be soft
     deleted (active = false); nothing else about it changes.
  2. SIGN BY TYPE: the header's TxType decides the sign of every line.
  3. UNIQUE CODES: a transaction code is never reused. Supplied codes that
     already exist are rejected, never merged.

CORRECTIONS:
  Reverse writes a new transaction of the opposite adjustment type with
  the same lines. Original and reversal both stay in the ledger.

  Buying  +50   (S1-261017-TXN-00-001)
  Reverse -50   ADJ_OUT referencing the purchase
  Stock:   0    and the history still explains how

SEE ALSO:
  - aggregate.go: Sum, the pure fold used by CurrentStock
  - store.go: Persistence interface
  - operation/engine.go: Writes ledger rows through RecordIn
*/
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/broadcast"
	"github.com/warp/inventory-ledger/sequence"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store     TxStore
	Publisher broadcast.Publisher
	Logger    logrus.FieldLogger
	Now       func() time.Time
	// DefaultTerminal is written on requests that name no terminal.
	DefaultTerminal string
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{
		Store:     store,
		Publisher: broadcast.Noop{},
		Logger:    logrus.StandardLogger(),
		Now:       func() time.Time { return time.Now().UTC() },

		DefaultTerminal: sequence.DefaultTerminal,
	}
}

type LineInput struct {
	ItemID   ItemID
	Quantity decimal.Decimal
	Total    decimal.Decimal
}

// RecordRequest describes a transaction to append. Code is generated when
// empty. CreatedAt defaults to now; sync imports keep the device time.
type RecordRequest struct {
	Type          TxType
	StoreNo       StoreNo
	Lines         []LineInput
	Code          string
	ReferenceType string
	ReferenceID   string
	Terminal      string
	Note          string
	CreatedAt     time.Time
}

// Record appends one transaction atomically.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*Transaction, error) {
	var out *Transaction
	err := l.Store.WithTx(ctx, func(st Store) error {
		tx, err := l.RecordIn(ctx, st, req)
		out = tx
		return err
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, broadcast.EventTransactionRecorded, *out)
	return out, nil
}

// RecordIn appends a transaction using a Store already bound to a database
// transaction. The caller owns commit and rollback.
func (l *Ledger) RecordIn(ctx context.Context, st Store, req RecordRequest) (*Transaction, error) {
	return l.record(ctx, st, req, false)
}

// CorrectIn is RecordIn for rows that undo earlier ones. Items deactivated
// since the original was written are accepted.
func (l *Ledger) CorrectIn(ctx context.Context, st Store, req RecordRequest) (*Transaction, error) {
	return l.record(ctx, st, req, true)
}

func (l *Ledger) record(ctx context.Context, st Store, req RecordRequest, imported bool) (*Transaction, error) {
	if err := validateRecord(req); err != nil {
		return nil, err
	}
	req.Terminal = l.terminal(req.Terminal)
	if _, err := RequireBranch(ctx, st, req.StoreNo); err != nil {
		return nil, err
	}
	for _, line := range req.Lines {
		item, err := st.GetItem(ctx, line.ItemID)
		if err != nil {
			return nil, err
		}
		if !item.Active && !imported {
			return nil, Invalid("item_id", "item %s is inactive", item.Code)
		}
	}

	now := l.Now()
	code := req.Code
	if code != "" {
		exists, err := st.TransactionCodeExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("transaction code %s: %w", code, ErrDuplicateCode)
		}
	} else {
		// Imported device codes share the TXN prefix with generated ones.
		generated, err := sequence.NextUnused(ctx, st, sequence.Request{
			Kind:     sequence.KindTransaction,
			Store:    int(req.StoreNo),
			Date:     now,
			Terminal: req.Terminal,
		}, st.TransactionCodeExists)
		if err != nil {
			return nil, err
		}
		code = generated
	}

	if err := lockAll(ctx, st, req.StoreNo, req.Lines); err != nil {
		return nil, err
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	tx := Transaction{
		ID:            uuid.NewString(),
		Code:          code,
		StoreNo:       req.StoreNo,
		Type:          req.Type,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Terminal:      req.Terminal,
		Note:          req.Note,
		Active:        true,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     now,
	}
	for _, in := range req.Lines {
		tx.Lines = append(tx.Lines, Line{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			ItemID:        in.ItemID,
			Quantity:      in.Quantity,
			Total:         in.Total,
			Active:        true,
		})
	}

	if err := st.AppendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func validateRecord(req RecordRequest) error {
	if !req.Type.Valid() {
		return &UnknownTxTypeError{Type: req.Type}
	}
	if req.StoreNo <= 0 {
		return Invalid("store_no", "must be positive")
	}
	if len(req.Lines) == 0 {
		return Invalid("lines", "at least one line is required")
	}
	if !sequence.ValidTerminal(req.Terminal) {
		return Invalid("terminal", "must be 1-8 letters or digits")
	}
	for i, line := range req.Lines {
		if line.ItemID == "" {
			return Invalid(fmt.Sprintf("lines[%d].item_id", i), "is required")
		}
		if !line.Quantity.IsPositive() {
			return Invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if line.Total.IsNegative() {
			return Invalid(fmt.Sprintf("lines[%d].total", i), "must not be negative")
		}
	}
	return nil
}

// lockAll claims every distinct item at storeNo in a stable order so two
// writers never wait on each other crosswise.
func lockAll(ctx context.Context, st Store, storeNo StoreNo, lines []LineInput) error {
	ids := make([]string, 0, len(lines))
	seen := make(map[ItemID]bool)
	for _, l := range lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			ids = append(ids, string(l.ItemID))
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := st.LockStock(ctx, ItemID(id), storeNo); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) terminal(t string) string {
	switch {
	case t != "":
		return t
	case l.DefaultTerminal != "":
		return l.DefaultTerminal
	}
	return sequence.DefaultTerminal
}

// =============================================================================
// CORRECTIONS
// =============================================================================

// Deactivate soft deletes a transaction. Stock drops exactly by what its
// lines contributed.
func (l *Ledger) Deactivate(ctx context.Context, id string) (*Transaction, error) {
	var out *Transaction
	err := l.Store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !tx.Active {
			return fmt.Errorf("transaction %s: %w", id, ErrAlreadyInactive)
		}
		if err := ownedByOperation(*tx); err != nil {
			return err
		}
		if err := lockAll(ctx, st, tx.StoreNo, linesOf(*tx)); err != nil {
			return err
		}
		now := l.Now()
		if err := st.SetTransactionActive(ctx, id, false, now); err != nil {
			return err
		}
		tx.Active = false
		tx.UpdatedAt = now
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, broadcast.EventTransactionDeactivated, *out)
	return out, nil
}

// Reverse appends a transaction cancelling id. A transaction can be
// reversed once.
func (l *Ledger) Reverse(ctx context.Context, id, terminal, note string) (*Transaction, error) {
	var out *Transaction
	err := l.Store.WithTx(ctx, func(st Store) error {
		orig, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !orig.Active {
			return fmt.Errorf("transaction %s: %w", id, ErrAlreadyInactive)
		}
		if orig.ReferenceType == RefReversal {
			return Invalid("id", "transaction %s is itself a reversal", orig.Code)
		}
		if err := ownedByOperation(*orig); err != nil {
			return err
		}
		prior, err := st.TransactionsByReference(ctx, RefReversal, id)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.Active {
				return fmt.Errorf("transaction %s reversed by %s: %w", orig.Code, p.Code, ErrAlreadyReversed)
			}
		}
		opposite, err := orig.Type.Opposite()
		if err != nil {
			return err
		}
		if note == "" {
			note = "reversal of " + orig.Code
		}
		tx, err := l.record(ctx, st, RecordRequest{
			Type:          opposite,
			StoreNo:       orig.StoreNo,
			Lines:         linesOf(*orig),
			ReferenceType: RefReversal,
			ReferenceID:   orig.ID,
			Terminal:      terminal,
			Note:          note,
		}, true)
		out = tx
		return err
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, broadcast.EventTransactionRecorded, *out)
	return out, nil
}

// ownedByOperation rejects edits to rows a stock operation wrote. Those are
// corrected by reversing the operation so its lines stay consistent.
func ownedByOperation(tx Transaction) error {
	if tx.ReferenceType == RefStockOperation {
		return Invalid("id", "transaction %s belongs to stock operation %s; reverse the operation instead", tx.Code, tx.ReferenceID)
	}
	return nil
}

func linesOf(tx Transaction) []LineInput {
	out := make([]LineInput, 0, len(tx.Lines))
	for _, line := range tx.Lines {
		if !line.Active {
			continue
		}
		out = append(out, LineInput{ItemID: line.ItemID, Quantity: line.Quantity, Total: line.Total})
	}
	return out
}

// =============================================================================
// IMPORT - offline terminals
// =============================================================================

// Import appends a transaction produced elsewhere. The code is mandatory and
// must be new; CreatedAt is preserved so late arrivals keep their history
// position. Inactive items are accepted because the device saw them active.
func (l *Ledger) Import(ctx context.Context, req RecordRequest) (*Transaction, error) {
	if req.Code == "" {
		return nil, Invalid("code", "is required for imported transactions")
	}
	var out *Transaction
	err := l.Store.WithTx(ctx, func(st Store) error {
		tx, err := l.record(ctx, st, req, true)
		out = tx
		return err
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, broadcast.EventTransactionRecorded, *out)
	return out, nil
}

// =============================================================================
// READS - derived, lock free
// =============================================================================

// CurrentStock returns the signed sum of active entries. Unknown pairs are 0.
func (l *Ledger) CurrentStock(ctx context.Context, itemID ItemID, storeNo StoreNo) (decimal.Decimal, error) {
	return StockOf(ctx, l.Store, itemID, storeNo)
}

// StoreStock returns stock for every item that has entries at storeNo.
func (l *Ledger) StoreStock(ctx context.Context, storeNo StoreNo) ([]StockLevel, error) {
	entries, err := l.Store.LoadStoreEntries(ctx, storeNo)
	if err != nil {
		return nil, err
	}
	return GroupStock(storeNo, entries)
}

// History returns active entries oldest first with a running balance.
func (l *Ledger) History(ctx context.Context, itemID ItemID, storeNo StoreNo) ([]HistoryEntry, error) {
	entries, err := l.Store.LoadEntries(ctx, itemID, storeNo)
	if err != nil {
		return nil, err
	}
	return RunningBalance(entries)
}

func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.Store.GetTransaction(ctx, id)
}

func (l *Ledger) publish(ctx context.Context, kind broadcast.EventKind, tx Transaction) {
	if l.Publisher == nil {
		return
	}
	ids := make([]string, 0, len(tx.Lines))
	for _, line := range tx.Lines {
		ids = append(ids, string(line.ItemID))
	}
	ev := broadcast.Event{
		Kind:      kind,
		StoreNos:  []int{int(tx.StoreNo)},
		ItemIDs:   ids,
		Reference: tx.Code,
		At:        l.Now(),
	}
	if err := l.Publisher.Publish(ctx, ev); err != nil && l.Logger != nil {
		l.Logger.WithError(err).WithField("kind", kind).Warn("broadcast failed")
	}
}
