// Package ingest applies batches uploaded by offline terminals.
//
// Items merge last-writer-wins on updated_at. Ledger transactions are
// imported with their device code and timestamp; a code the server already
// holds is rejected, never merged. Each row is applied in its own database
// transaction so one bad row never aborts the batch.
package ingest

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/inventory"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusStale    Status = "stale"
)

// RowStatus reports the outcome for one row. Index is the position within
// its section of the batch.
type RowStatus struct {
	Kind   string `json:"kind"`
	Index  int    `json:"index"`
	Code   string `json:"code"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type Batch struct {
	Items        []inventory.Item
	Transactions []inventory.RecordRequest
}

type Result struct {
	Rows     []RowStatus `json:"rows"`
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Stale    int         `json:"stale"`
}

type Service struct {
	Ledger  *inventory.Ledger
	Catalog *inventory.Catalog
	Logger  logrus.FieldLogger
}

func NewService(ledger *inventory.Ledger, catalog *inventory.Catalog) *Service {
	return &Service{Ledger: ledger, Catalog: catalog, Logger: logrus.StandardLogger()}
}

// Apply merges items first so transactions in the same batch can use them.
func (s *Service) Apply(ctx context.Context, b Batch) *Result {
	res := &Result{}

	for i, item := range b.Items {
		row := RowStatus{Kind: "item", Index: i, Code: inventory.NormalizeCode(item.Code)}
		merged, err := s.Catalog.MergeItem(ctx, item)
		switch {
		case err != nil:
			row.Status, row.Reason = StatusRejected, s.reason(err, row)
		case merged == inventory.MergeStale:
			row.Status, row.Reason = StatusStale, "server copy is newer"
		default:
			row.Status = StatusAccepted
		}
		res.add(row)
	}

	for i, req := range b.Transactions {
		row := RowStatus{Kind: "transaction", Index: i, Code: req.Code}
		if req.ReferenceType == "" {
			req.ReferenceType = inventory.RefSync
		}
		if _, err := s.Ledger.Import(ctx, req); err != nil {
			row.Status, row.Reason = StatusRejected, s.reason(err, row)
		} else {
			row.Status = StatusAccepted
		}
		res.add(row)
	}
	return res
}

func (r *Result) add(row RowStatus) {
	r.Rows = append(r.Rows, row)
	switch row.Status {
	case StatusAccepted:
		r.Accepted++
	case StatusRejected:
		r.Rejected++
	case StatusStale:
		r.Stale++
	}
}

// reason is safe to return to the device. Internal errors are logged and
// replaced.
func (s *Service) reason(err error, row RowStatus) string {
	if errors.Is(err, inventory.ErrDuplicateCode) {
		return "duplicate code"
	}
	if inventory.KindOf(err) != inventory.KindInternal {
		return err.Error()
	}
	s.Logger.WithError(err).WithFields(logrus.Fields{
		"kind":  row.Kind,
		"index": row.Index,
		"code":  row.Code,
	}).Error("sync row failed")
	return "internal error"
}
