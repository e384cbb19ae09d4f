package cart

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/formaplace/checkout/internal/domain/catalog"
)

// Invalidator drops any cached read model for a cart after a mutation. The
// cache is strictly optional; a nil Invalidator disables it.
type Invalidator interface {
	InvalidateSummary(ctx context.Context, cartID string)
}

// SummaryCache is an optional read-through cache for the summary read model.
// Misses and write failures are silent; the cart rows stay authoritative and
// every mutation invalidates.
type SummaryCache interface {
	Invalidator
	Get(ctx context.Context, cartID string) ([]byte, bool)
	Set(ctx context.Context, cartID string, payload []byte)
}

// Service owns all cart mutation and read logic. Mutations are individual
// read-then-write operations; concurrent mutation of the same cart from two
// clients is subject to lost updates and capacity checks are advisory, not
// transactionally exclusive across carts.
type Service struct {
	carts   Repository
	catalog catalog.Repository
	cache   SummaryCache
	now     func() time.Time
	newID   func() string
}

// NewService creates a cart Service. cache may be nil.
func NewService(carts Repository, cat catalog.Repository, cache SummaryCache) *Service {
	return &Service{
		carts:   carts,
		catalog: cat,
		cache:   cache,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// GetOrCreate returns the open cart for the identity, creating one lazily.
func (s *Service) GetOrCreate(ctx context.Context, owner Owner) (*Cart, error) {
	if !owner.Valid() {
		return nil, ErrNoOwner
	}

	c, err := s.carts.FindOpenByOwner(ctx, owner)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrCartNotFound) {
		return nil, errors.Wrap(err, "find cart")
	}

	now := s.now()
	c = &Cart{
		ID:        s.newID(),
		Owner:     owner,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.carts.Create(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create cart")
	}
	return c, nil
}

// AddItem adds a formation session to the owner's cart. An existing line for
// the same session is incremented; a new line snapshots the current catalog
// price. Returns CapacityExceededError when the resulting quantity would
// exceed the session's remaining spots.
func (s *Service) AddItem(ctx context.Context, owner Owner, sessionID string, quantity int) (*Cart, error) {
	if quantity < 1 {
		quantity = 1
	}

	c, err := s.GetOrCreate(ctx, owner)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusOpen {
		return nil, ErrCartClosed
	}

	sess, err := s.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	items, err := s.carts.GetItems(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get items")
	}

	existing := 0
	for _, it := range items {
		if it.SessionID == sessionID {
			existing = it.Quantity
			break
		}
	}
	if existing+quantity > sess.AvailableSpots {
		return nil, &CapacityExceededError{
			SessionID: sessionID,
			Requested: existing + quantity,
			Available: sess.AvailableSpots,
		}
	}

	item := Item{
		ID:          s.newID(),
		CartID:      c.ID,
		SessionID:   sessionID,
		Quantity:    quantity,
		PriceAtTime: sess.Price,
		AddedAt:     s.now(),
	}
	if err := s.carts.UpsertItem(ctx, item); err != nil {
		return nil, errors.Wrap(err, "upsert item")
	}

	s.invalidate(ctx, c.ID)
	return s.reload(ctx, c)
}

// UpdateItemQuantity sets an absolute quantity on a cart item. A quantity of
// zero or less removes the item.
func (s *Service) UpdateItemQuantity(ctx context.Context, owner Owner, itemID string, quantity int) (*Cart, error) {
	c, err := s.requireOpen(ctx, owner)
	if err != nil {
		return nil, err
	}

	if quantity <= 0 {
		return s.RemoveItem(ctx, owner, itemID)
	}

	items, err := s.carts.GetItems(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get items")
	}

	var target *Item
	for i := range items {
		if items[i].ID == itemID {
			target = &items[i]
			break
		}
	}
	if target == nil {
		return nil, ErrItemNotFound
	}

	// Capacity is only re-checked when the quantity grows.
	if quantity > target.Quantity {
		sess, err := s.catalog.GetSession(ctx, target.SessionID)
		if err != nil {
			return nil, err
		}
		if quantity > sess.AvailableSpots {
			return nil, &CapacityExceededError{
				SessionID: target.SessionID,
				Requested: quantity,
				Available: sess.AvailableSpots,
			}
		}
	}

	if err := s.carts.SetItemQuantity(ctx, c.ID, itemID, quantity); err != nil {
		return nil, err
	}

	s.invalidate(ctx, c.ID)
	return s.reload(ctx, c)
}

// RemoveItem deletes an item from the owner's cart. Removing an item that no
// longer exists is treated as already satisfied, not an error.
func (s *Service) RemoveItem(ctx context.Context, owner Owner, itemID string) (*Cart, error) {
	c, err := s.requireOpen(ctx, owner)
	if err != nil {
		return nil, err
	}

	if err := s.carts.DeleteItem(ctx, c.ID, itemID); err != nil {
		return nil, errors.Wrap(err, "delete item")
	}

	s.invalidate(ctx, c.ID)
	return s.reload(ctx, c)
}

// Clear removes every item from the owner's cart; the cart row persists.
func (s *Service) Clear(ctx context.Context, owner Owner) error {
	c, err := s.requireOpen(ctx, owner)
	if err != nil {
		return err
	}

	if err := s.carts.DeleteItems(ctx, c.ID); err != nil {
		return errors.Wrap(err, "clear cart")
	}

	s.invalidate(ctx, c.ID)
	return nil
}

// Merge transfers the anonymous cart's items into the user's cart using the
// same quantity-increment rule as AddItem, then deletes the anonymous cart.
// It is idempotent: a missing anonymous cart is a no-op, and the transfer is
// all-or-nothing so a failed call can be retried without doubling quantities.
func (s *Service) Merge(ctx context.Context, anonToken, userID string) (*Cart, error) {
	anon, err := s.carts.FindOpenByOwner(ctx, AnonymousOwner(anonToken))
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return s.GetOrCreate(ctx, UserOwner(userID))
		}
		return nil, errors.Wrap(err, "find anonymous cart")
	}

	dest, err := s.GetOrCreate(ctx, UserOwner(userID))
	if err != nil {
		return nil, err
	}
	if dest.Status != StatusOpen {
		return nil, ErrCartClosed
	}

	if err := s.carts.MergeInto(ctx, anon.ID, dest.ID); err != nil {
		return nil, errors.Wrap(err, "merge carts")
	}

	s.invalidate(ctx, anon.ID)
	s.invalidate(ctx, dest.ID)
	return s.reload(ctx, dest)
}

// MarkCheckedOut transitions a cart to its terminal state. Called by the
// payment webhook reconciler when the provider confirms the purchase.
func (s *Service) MarkCheckedOut(ctx context.Context, cartID string) error {
	if err := s.carts.SetStatus(ctx, cartID, StatusCheckedOut); err != nil {
		return errors.Wrap(err, "mark checked out")
	}
	s.invalidate(ctx, cartID)
	return nil
}

// Summary returns the derived read model for the owner's cart. A missing
// cart yields an empty summary rather than an error.
func (s *Service) Summary(ctx context.Context, owner Owner) (Summary, error) {
	if !owner.Valid() {
		return Summary{}, ErrNoOwner
	}

	c, err := s.carts.FindOpenByOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Summarize("", nil, decimal.Zero), nil
		}
		return Summary{}, errors.Wrap(err, "find cart")
	}

	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, c.ID); ok {
			var cached Summary
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	items, err := s.carts.GetItems(ctx, c.ID)
	if err != nil {
		return Summary{}, errors.Wrap(err, "get items")
	}

	sum := Summarize(c.ID, items, decimal.Zero)
	if s.cache != nil {
		if raw, err := json.Marshal(sum); err == nil {
			s.cache.Set(ctx, c.ID, raw)
		}
	}
	return sum, nil
}

func (s *Service) requireOpen(ctx context.Context, owner Owner) (*Cart, error) {
	if !owner.Valid() {
		return nil, ErrNoOwner
	}
	c, err := s.carts.FindOpenByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusOpen {
		return nil, ErrCartClosed
	}
	return c, nil
}

func (s *Service) reload(ctx context.Context, c *Cart) (*Cart, error) {
	items, err := s.carts.GetItems(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "reload items")
	}
	c.Items = items
	return c, nil
}

func (s *Service) invalidate(ctx context.Context, cartID string) {
	if s.cache != nil {
		s.cache.InvalidateSummary(ctx, cartID)
	}
}
