package inventory

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Sum folds entries into a stock figure. Addition is commutative so the
// result does not depend on entry order. An empty slice sums to zero.
func Sum(entries []Entry) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range entries {
		v, err := e.Signed()
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, nil
}

// StockOf derives current stock from st. Inside WithTx pass the tx-bound
// Store so the figure includes the transaction's own writes.
func StockOf(ctx context.Context, st Store, itemID ItemID, storeNo StoreNo) (decimal.Decimal, error) {
	entries, err := st.LoadEntries(ctx, itemID, storeNo)
	if err != nil {
		return decimal.Zero, err
	}
	return Sum(entries)
}

// StockLevel is derived stock for one item at one store.
type StockLevel struct {
	ItemID   ItemID
	StoreNo  StoreNo
	Quantity decimal.Decimal
}

// GroupStock sums entries per item. Output is ordered by item id.
func GroupStock(storeNo StoreNo, entries []Entry) ([]StockLevel, error) {
	byItem := make(map[ItemID][]Entry)
	for _, e := range entries {
		byItem[e.ItemID] = append(byItem[e.ItemID], e)
	}

	levels := make([]StockLevel, 0, len(byItem))
	for id, es := range byItem {
		q, err := Sum(es)
		if err != nil {
			return nil, err
		}
		levels = append(levels, StockLevel{ItemID: id, StoreNo: storeNo, Quantity: q})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].ItemID < levels[j].ItemID })
	return levels, nil
}

// HistoryEntry is an entry with its signed value and the running balance.
type HistoryEntry struct {
	Entry
	Signed  decimal.Decimal
	Balance decimal.Decimal
}

// RunningBalance annotates entries, in the order given, with a running total.
func RunningBalance(entries []Entry) ([]HistoryEntry, error) {
	out := make([]HistoryEntry, 0, len(entries))
	balance := decimal.Zero
	for _, e := range entries {
		v, err := e.Signed()
		if err != nil {
			return nil, err
		}
		balance = balance.Add(v)
		out = append(out, HistoryEntry{Entry: e, Signed: v, Balance: balance})
	}
	return out, nil
}
