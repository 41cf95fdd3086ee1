/*
Package transfer implements the approval workflow for cross-store transfers.

PURPOSE:
  A store asks for stock held by another store. Nothing touches the ledger
  until the request is approved; approval runs an approved-transfer stock
  operation and stamps the request in the same database transaction.

STATE MACHINE:

	          Approve
	PENDING ---------> APPROVED  (operation applied, ledger written)
	   |
	   |      Decline
	   +-------------> DECLINED  (no ledger writes)

  APPROVED and DECLINED are terminal. Acting on a terminal request fails
  with a TransferStateError and changes nothing.

AUTO-APPROVE:
  Create commits first. If the approval then fails (for example on
  insufficient stock) the request stays PENDING and is returned with the
  error so an operator can approve or decline it later.

SEE ALSO:
  - operation/engine.go: ApplyTx, run for approvals
  - store/sqlstore: DecideTransfer, the conditional status update
*/
package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/broadcast"
	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/operation"
	"github.com/warp/inventory-ledger/sequence"
)

type Service struct {
	Store     inventory.TxStore
	Engine    *operation.Engine
	Publisher broadcast.Publisher
	Logger    logrus.FieldLogger
	Now       func() time.Time
	// DefaultTerminal is written on requests that name no terminal.
	DefaultTerminal string
}

func NewService(store inventory.TxStore, engine *operation.Engine) *Service {
	return &Service{
		Store:     store,
		Engine:    engine,
		Publisher: broadcast.Noop{},
		Logger:    logrus.StandardLogger(),
		Now:       func() time.Time { return time.Now().UTC() },

		DefaultTerminal: sequence.DefaultTerminal,
	}
}

// CreateRequest proposes moving MainItemID from SourceStoreNo to
// DestStoreNo. With FullClearance the source is emptied and Quantity is
// the amount that arrives; otherwise Quantity leaves the source. Each
// conversion must start from the main item.
//
// ExpectedStock is the source stock the requester counted against. It is
// required with FullClearance and checked again when the request is
// approved.
type CreateRequest struct {
	MainItemID    inventory.ItemID
	Quantity      decimal.Decimal
	SourceStoreNo inventory.StoreNo
	DestStoreNo   inventory.StoreNo
	FullClearance bool
	ExpectedStock *decimal.Decimal
	Conversions   []operation.ConversionInput
	RequestedBy   string
	Terminal      string
	Note          string
}

// =============================================================================
// CREATE
// =============================================================================

func (s *Service) Create(ctx context.Context, req CreateRequest) (*inventory.TransferRequest, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	var out *inventory.TransferRequest
	err := s.Store.WithTx(ctx, func(st inventory.Store) error {
		if _, err := inventory.RequireBranch(ctx, st, req.SourceStoreNo); err != nil {
			return err
		}
		if _, err := inventory.RequireBranch(ctx, st, req.DestStoreNo); err != nil {
			return err
		}
		if _, err := inventory.RequireItem(ctx, st, req.MainItemID); err != nil {
			return err
		}
		for _, cv := range req.Conversions {
			if _, err := inventory.RequireItem(ctx, st, cv.DestItemID); err != nil {
				return err
			}
		}

		now := s.Now()
		terminal := s.terminal(req.Terminal)
		// The requesting store is the destination; the code is numbered there.
		code, err := sequence.Next(ctx, st, sequence.Request{
			Kind:     sequence.KindTransfer,
			Store:    int(req.DestStoreNo),
			Date:     now,
			Terminal: terminal,
		})
		if err != nil {
			return err
		}

		tr := inventory.TransferRequest{
			ID:            uuid.NewString(),
			Code:          code,
			MainItemID:    req.MainItemID,
			Quantity:      req.Quantity,
			SourceStoreNo: req.SourceStoreNo,
			DestStoreNo:   req.DestStoreNo,
			FullClearance: req.FullClearance,
			Status:        inventory.TransferPending,
			RequestedBy:   strings.TrimSpace(req.RequestedBy),
			Terminal:      terminal,
			Note:          req.Note,
			Active:        true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.ExpectedStock != nil {
			tr.ExpectedStock = decimal.NewNullDecimal(*req.ExpectedStock)
		}
		for _, cv := range req.Conversions {
			tr.Conversions = append(tr.Conversions, inventory.TransferConversion{
				ID:           uuid.NewString(),
				TransferID:   tr.ID,
				SourceItemID: cv.SourceItemID,
				DestItemID:   cv.DestItemID,
				DestQty:      cv.DestQty,
			})
		}
		if err := st.SaveTransferRequest(ctx, tr); err != nil {
			return err
		}
		out = &tr
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, broadcast.EventTransferCreated, *out)
	return out, nil
}

func validateCreate(req CreateRequest) error {
	if req.MainItemID == "" {
		return inventory.Invalid("main_item_id", "is required")
	}
	if req.SourceStoreNo <= 0 {
		return inventory.Invalid("source_store_no", "must be positive")
	}
	if req.DestStoreNo <= 0 {
		return inventory.Invalid("dest_store_no", "must be positive")
	}
	if req.SourceStoreNo == req.DestStoreNo {
		return inventory.Invalid("dest_store_no", "must differ from source_store_no")
	}
	if req.Quantity.IsNegative() {
		return inventory.Invalid("quantity", "must not be negative")
	}
	if !req.FullClearance && len(req.Conversions) == 0 && !req.Quantity.IsPositive() {
		return inventory.Invalid("quantity", "must be positive")
	}
	if req.FullClearance && req.ExpectedStock == nil {
		return inventory.Invalid("expected_stock", "is required for full clearance transfers")
	}
	if !sequence.ValidTerminal(req.Terminal) {
		return inventory.Invalid("terminal", "must be 1-8 letters or digits")
	}
	for i, cv := range req.Conversions {
		field := fmt.Sprintf("conversions[%d]", i)
		if cv.SourceItemID != req.MainItemID {
			return inventory.Invalid(field+".source_item_id", "must be the main item")
		}
		if cv.DestItemID == "" {
			return inventory.Invalid(field+".dest_item_id", "is required")
		}
		if !cv.DestQty.IsPositive() {
			return inventory.Invalid(field+".dest_qty", "must be positive")
		}
	}
	return nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Approve applies the transfer and marks the request APPROVED atomically.
// Approving a request that already left PENDING is a conflict and writes
// nothing.
func (s *Service) Approve(ctx context.Context, id, approver string) (*inventory.TransferRequest, *operation.Result, error) {
	var (
		out *inventory.TransferRequest
		res *operation.Result
	)
	err := s.Store.WithTx(ctx, func(st inventory.Store) error {
		tr, err := st.GetTransferRequest(ctx, id)
		if err != nil {
			return err
		}
		if tr.Status != inventory.TransferPending {
			return &inventory.TransferStateError{ID: tr.ID, Status: tr.Status}
		}

		conversions := make([]operation.ConversionInput, 0, len(tr.Conversions))
		for _, cv := range tr.Conversions {
			conversions = append(conversions, operation.ConversionInput{
				SourceItemID: cv.SourceItemID,
				DestItemID:   cv.DestItemID,
				DestQty:      cv.DestQty,
			})
		}
		r, err := s.Engine.ApplyTx(ctx, st, operation.Request{
			Type:              inventory.OpApprovedTransfer,
			StoreNo:           tr.SourceStoreNo,
			DestStoreNo:       tr.DestStoreNo,
			Items:             []operation.ItemInput{{ItemID: tr.MainItemID, Quantity: tr.Quantity, ExpectedStock: expectedOf(*tr)}},
			Conversions:       conversions,
			FullClearance:     tr.FullClearance,
			TransferRequestID: tr.ID,
			Terminal:          tr.Terminal,
			Note:              "transfer " + tr.Code,
		})
		if err != nil {
			return err
		}

		now := s.Now()
		opID := r.Operation.ID
		if err := st.DecideTransfer(ctx, inventory.TransferDecision{
			ID:          tr.ID,
			Status:      inventory.TransferApproved,
			Approver:    strings.TrimSpace(approver),
			OperationID: &opID,
			At:          now,
		}); err != nil {
			return err
		}
		tr.Status = inventory.TransferApproved
		tr.Approver = strings.TrimSpace(approver)
		tr.OperationID = &opID
		tr.UpdatedAt = now
		out, res = tr, r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, broadcast.EventTransferApproved, *out)
	return out, res, nil
}

// Decline closes the request without touching the ledger.
func (s *Service) Decline(ctx context.Context, id, approver, reason string) (*inventory.TransferRequest, error) {
	var out *inventory.TransferRequest
	err := s.Store.WithTx(ctx, func(st inventory.Store) error {
		now := s.Now()
		if err := st.DecideTransfer(ctx, inventory.TransferDecision{
			ID:            id,
			Status:        inventory.TransferDeclined,
			Approver:      strings.TrimSpace(approver),
			DeclineReason: strings.TrimSpace(reason),
			At:            now,
		}); err != nil {
			return err
		}
		tr, err := st.GetTransferRequest(ctx, id)
		if err != nil {
			return err
		}
		out = tr
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, broadcast.EventTransferDeclined, *out)
	return out, nil
}

// AutoApprove creates and immediately approves a request. When approval
// fails the committed PENDING request is returned together with the error.
func (s *Service) AutoApprove(ctx context.Context, req CreateRequest, approver string) (*inventory.TransferRequest, *operation.Result, error) {
	tr, err := s.Create(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	approved, res, err := s.Approve(ctx, tr.ID, approver)
	if err != nil {
		s.Logger.WithError(err).WithField("transfer", tr.Code).Warn("auto-approve failed; request left pending")
		return tr, nil, err
	}
	return approved, res, nil
}

func expectedOf(tr inventory.TransferRequest) *decimal.Decimal {
	if !tr.ExpectedStock.Valid {
		return nil
	}
	d := tr.ExpectedStock.Decimal
	return &d
}

func (s *Service) terminal(t string) string {
	switch {
	case t != "":
		return t
	case s.DefaultTerminal != "":
		return s.DefaultTerminal
	}
	return sequence.DefaultTerminal
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*inventory.TransferRequest, error) {
	return s.Store.GetTransferRequest(ctx, id)
}

func (s *Service) List(ctx context.Context, filter inventory.TransferFilter) ([]inventory.TransferRequest, error) {
	switch filter.Status {
	case "", inventory.TransferPending, inventory.TransferApproved, inventory.TransferDeclined:
	default:
		return nil, inventory.Invalid("status", "unknown transfer status %q", string(filter.Status))
	}
	return s.Store.ListTransferRequests(ctx, filter)
}

func (s *Service) publish(ctx context.Context, kind broadcast.EventKind, tr inventory.TransferRequest) {
	if s.Publisher == nil {
		return
	}
	ids := []string{string(tr.MainItemID)}
	for _, cv := range tr.Conversions {
		ids = append(ids, string(cv.DestItemID))
	}
	ev := broadcast.Event{
		Kind:      kind,
		StoreNos:  []int{int(tr.SourceStoreNo), int(tr.DestStoreNo)},
		ItemIDs:   ids,
		Reference: tr.Code,
		At:        s.Now(),
	}
	if err := s.Publisher.Publish(ctx, ev); err != nil && s.Logger != nil {
		s.Logger.WithError(err).WithField("kind", kind).Warn("broadcast failed")
	}
}
