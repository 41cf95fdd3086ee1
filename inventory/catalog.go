package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/broadcast"
)

// Catalog manages items and stores. Items are soft deleted only.
type Catalog struct {
	Store     TxStore
	Publisher broadcast.Publisher
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

func NewCatalog(store TxStore) *Catalog {
	return &Catalog{
		Store:     store,
		Publisher: broadcast.Noop{},
		Logger:    logrus.StandardLogger(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

type NewItem struct {
	Code         string
	Name         string
	BuyingPrice  decimal.Decimal
	SellingPrice decimal.Decimal
}

// NormalizeCode trims and upper-cases an item code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (c *Catalog) CreateItem(ctx context.Context, in NewItem) (*Item, error) {
	code := NormalizeCode(in.Code)
	if code == "" {
		return nil, Invalid("code", "is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, Invalid("name", "is required")
	}
	if in.BuyingPrice.IsNegative() || in.SellingPrice.IsNegative() {
		return nil, Invalid("price", "must not be negative")
	}

	now := c.Now()
	item := Item{
		ID:           ItemID(uuid.NewString()),
		Code:         code,
		Name:         strings.TrimSpace(in.Name),
		BuyingPrice:  in.BuyingPrice,
		SellingPrice: in.SellingPrice,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := c.Store.WithTx(ctx, func(st Store) error {
		existing, err := st.GetItemByCode(ctx, code)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if existing != nil {
			return fmt.Errorf("item code %s: %w", code, ErrDuplicateCode)
		}
		return st.CreateItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	c.publishItem(ctx, item)
	return &item, nil
}

func (c *Catalog) GetItem(ctx context.Context, id ItemID) (*Item, error) {
	return c.Store.GetItem(ctx, id)
}

func (c *Catalog) GetItemByCode(ctx context.Context, code string) (*Item, error) {
	return c.Store.GetItemByCode(ctx, NormalizeCode(code))
}

func (c *Catalog) ListItems(ctx context.Context, includeInactive bool) ([]Item, error) {
	return c.Store.ListItems(ctx, includeInactive)
}

// DeactivateItem hides an item from new writes. Its ledger history stays.
func (c *Catalog) DeactivateItem(ctx context.Context, id ItemID) (*Item, error) {
	var out *Item
	err := c.Store.WithTx(ctx, func(st Store) error {
		item, err := st.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if !item.Active {
			return fmt.Errorf("item %s: %w", item.Code, ErrAlreadyInactive)
		}
		now := c.Now()
		if err := st.SetItemActive(ctx, id, false, now); err != nil {
			return err
		}
		item.Active = false
		item.UpdatedAt = now
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishItem(ctx, *out)
	return out, nil
}

// MergeResult says what MergeItem did with an incoming record.
type MergeResult string

const (
	MergeInserted MergeResult = "inserted"
	MergeUpdated  MergeResult = "updated"
	MergeStale    MergeResult = "stale"
)

// MergeItem applies an item edit made elsewhere. The newer UpdatedAt wins;
// an incoming record that is not strictly newer is ignored.
func (c *Catalog) MergeItem(ctx context.Context, in Item) (MergeResult, error) {
	in.Code = NormalizeCode(in.Code)
	if in.Code == "" {
		return "", Invalid("code", "is required")
	}
	if in.UpdatedAt.IsZero() {
		return "", Invalid("updated_at", "is required")
	}
	if in.BuyingPrice.IsNegative() || in.SellingPrice.IsNegative() {
		return "", Invalid("price", "must not be negative")
	}
	in.UpdatedAt = in.UpdatedAt.UTC()

	var result MergeResult
	err := c.Store.WithTx(ctx, func(st Store) error {
		existing, err := st.GetItemByCode(ctx, in.Code)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if existing == nil {
			if in.ID == "" {
				in.ID = ItemID(uuid.NewString())
			}
			if in.CreatedAt.IsZero() {
				in.CreatedAt = in.UpdatedAt
			}
			result = MergeInserted
			return st.CreateItem(ctx, in)
		}
		if !in.UpdatedAt.After(existing.UpdatedAt) {
			result = MergeStale
			return nil
		}
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
		result = MergeUpdated
		return st.UpdateItem(ctx, in)
	})
	if err != nil {
		return "", err
	}
	if result != MergeStale {
		c.publishItem(ctx, in)
	}
	return result, nil
}

func (c *Catalog) CreateBranch(ctx context.Context, no StoreNo, name string) (*Branch, error) {
	if no <= 0 {
		return nil, Invalid("store_no", "must be positive")
	}
	if strings.TrimSpace(name) == "" {
		return nil, Invalid("name", "is required")
	}
	now := c.Now()
	b := Branch{No: no, Name: strings.TrimSpace(name), Active: true, CreatedAt: now, UpdatedAt: now}
	if err := c.Store.CreateBranch(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Catalog) ListBranches(ctx context.Context) ([]Branch, error) {
	return c.Store.ListBranches(ctx)
}

func (c *Catalog) publishItem(ctx context.Context, item Item) {
	if c.Publisher == nil {
		return
	}
	ev := broadcast.Event{Kind: broadcast.EventItemChanged, ItemIDs: []string{string(item.ID)}, Reference: item.Code, At: c.Now()}
	if err := c.Publisher.Publish(ctx, ev); err != nil && c.Logger != nil {
		c.Logger.WithError(err).WithField("item", item.Code).Warn("broadcast failed")
	}
}

// =============================================================================
// EXISTENCE CHECKS - used before any write
// =============================================================================

// RequireBranch returns the store or an error if it is unknown or inactive.
func RequireBranch(ctx context.Context, st Store, no StoreNo) (*Branch, error) {
	b, err := st.GetBranch(ctx, no)
	if err != nil {
		return nil, err
	}
	if !b.Active {
		return nil, Invalid("store_no", "store %d is inactive", no)
	}
	return b, nil
}

// RequireItem returns the item or an error if it is unknown or inactive.
func RequireItem(ctx context.Context, st Store, id ItemID) (*Item, error) {
	item, err := st.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.Active {
		return nil, Invalid("item_id", "item %s is inactive", item.Code)
	}
	return item, nil
}
