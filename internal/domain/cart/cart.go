package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status enumerates cart lifecycle states.
type Status string

const (
	// StatusOpen marks a cart that still accepts mutation.
	StatusOpen Status = "open"
	// StatusCheckedOut marks a cart converted into an order; terminal.
	StatusCheckedOut Status = "checked_out"
)

// Sentinel errors for cart operations.
var (
	// ErrCartNotFound is returned when no open cart exists for an identity.
	ErrCartNotFound = errors.New("cart not found")
	// ErrItemNotFound is returned when an item does not belong to the owner's cart.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrCartClosed is returned when mutating a checked-out cart.
	ErrCartClosed = errors.New("cart is checked out")
	// ErrNoOwner is returned when neither a user id nor a session token is given.
	ErrNoOwner = errors.New("cart owner required")
)

// CapacityExceededError indicates a requested quantity exceeds the remaining
// spots of a formation session.
type CapacityExceededError struct {
	SessionID string
	Requested int
	Available int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("session %s has %d spots available, %d requested", e.SessionID, e.Available, e.Requested)
}

// ownerKind discriminates the Owner union.
type ownerKind uint8

const (
	ownerNone ownerKind = iota
	ownerUser
	ownerAnonymous
)

// Owner identifies who a cart belongs to: an authenticated user or an
// anonymous visitor holding a client-generated session token. Exactly one
// identity is set; the zero value is invalid.
type Owner struct {
	kind ownerKind
	id   string
}

// UserOwner returns an Owner for an authenticated user.
func UserOwner(userID string) Owner {
	return Owner{kind: ownerUser, id: userID}
}

// AnonymousOwner returns an Owner for an anonymous session token.
func AnonymousOwner(token string) Owner {
	return Owner{kind: ownerAnonymous, id: token}
}

// UserID reports the user id when the owner is an authenticated user.
func (o Owner) UserID() (string, bool) {
	return o.id, o.kind == ownerUser
}

// SessionToken reports the token when the owner is anonymous.
func (o Owner) SessionToken() (string, bool) {
	return o.id, o.kind == ownerAnonymous
}

// Valid reports whether the owner carries a non-empty identity.
func (o Owner) Valid() bool {
	return o.kind != ownerNone && o.id != ""
}

func (o Owner) String() string {
	switch o.kind {
	case ownerUser:
		return "user:" + o.id
	case ownerAnonymous:
		return "anon:" + o.id
	default:
		return "none"
	}
}

// Cart is the mutable pre-checkout representation of a buyer's intended
// purchases.
type Cart struct {
	ID        string
	Owner     Owner
	Status    Status
	Items     []Item
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Item is a single cart line referencing a formation session. PriceAtTime is
// snapshotted when the line is created so later price changes do not alter
// the cart total.
type Item struct {
	ID          string
	CartID      string
	SessionID   string
	Quantity    int
	PriceAtTime decimal.Decimal
	AddedAt     time.Time
}

// Repository defines persistence operations for carts and their items.
type Repository interface {
	// FindOpenByOwner returns the open cart for the identity, or ErrCartNotFound.
	FindOpenByOwner(ctx context.Context, owner Owner) (*Cart, error)
	// Create inserts a new open cart row.
	Create(ctx context.Context, c *Cart) error
	// GetItems returns all items of a cart.
	GetItems(ctx context.Context, cartID string) ([]Item, error)
	// UpsertItem inserts the item or, when a line for the same session
	// exists, adds the quantity to it. The stored PriceAtTime of an existing
	// line is kept.
	UpsertItem(ctx context.Context, item Item) error
	// SetItemQuantity sets an absolute quantity on an item of the cart.
	// Returns ErrItemNotFound when no such item exists in the cart.
	SetItemQuantity(ctx context.Context, cartID, itemID string, quantity int) error
	// DeleteItem removes an item; deleting a nonexistent item is not an error.
	DeleteItem(ctx context.Context, cartID, itemID string) error
	// DeleteItems removes all items of a cart.
	DeleteItems(ctx context.Context, cartID string) error
	// Delete removes a cart row and, by cascade, its items.
	Delete(ctx context.Context, cartID string) error
	// MergeInto atomically moves every item of the source cart into the
	// destination with the UpsertItem increment rule, then deletes the source
	// cart. All-or-nothing: a failed transfer leaves both carts untouched.
	MergeInto(ctx context.Context, srcCartID, dstCartID string) error
	// SetStatus transitions the cart lifecycle state.
	SetStatus(ctx context.Context, cartID string, status Status) error
	// DeleteExpired removes open carts whose expires_at has passed. Intended
	// for an operator cron; nothing in the request path calls it.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
