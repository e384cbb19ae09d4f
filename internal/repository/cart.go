package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formaplace/checkout/internal/domain/cart"
)

const (
	findOpenCartByUserSQL = `SELECT id, user_id, session_token, status, created_at, updated_at, expires_at
		FROM carts WHERE user_id = $1 AND status = 'open'`

	findOpenCartBySessionSQL = `SELECT id, user_id, session_token, status, created_at, updated_at, expires_at
		FROM carts WHERE session_token = $1 AND status = 'open'`

	createCartSQL = `INSERT INTO carts (id, user_id, session_token, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)`

	getCartItemsSQL = `SELECT id, cart_id, session_id, quantity, price_at_time, added_at
		FROM cart_items WHERE cart_id = $1 ORDER BY added_at, id`

	upsertCartItemSQL = `INSERT INTO cart_items (id, cart_id, session_id, quantity, price_at_time, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cart_id, session_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`

	setItemQuantitySQL = `UPDATE cart_items SET quantity = $3 WHERE cart_id = $1 AND id = $2`

	deleteCartItemSQL  = `DELETE FROM cart_items WHERE cart_id = $1 AND id = $2`
	deleteCartItemsSQL = `DELETE FROM cart_items WHERE cart_id = $1`
	deleteCartSQL      = `DELETE FROM carts WHERE id = $1`

	setCartStatusSQL = `UPDATE carts SET status = $2, updated_at = now() WHERE id = $1`

	// Moves every line of the source cart into the destination. Deleting and
	// re-inserting in one statement keeps the source item ids and lets the
	// conflict rule sum quantities while keeping the destination's stored
	// price, same as upsertCartItemSQL.
	mergeCartItemsSQL = `WITH moved AS (
			DELETE FROM cart_items WHERE cart_id = $1
			RETURNING id, session_id, quantity, price_at_time
		)
		INSERT INTO cart_items (id, cart_id, session_id, quantity, price_at_time, added_at)
		SELECT id, $2, session_id, quantity, price_at_time, now() FROM moved
		ON CONFLICT (cart_id, session_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`

	deleteExpiredCartsSQL = `DELETE FROM carts
		WHERE status = 'open' AND expires_at IS NOT NULL AND expires_at < $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// FindOpenByOwner returns the open cart for the identity.
// Returns cart.ErrCartNotFound when no open cart exists.
func (r *CartRepository) FindOpenByOwner(ctx context.Context, owner cart.Owner) (*cart.Cart, error) {
	var (
		query string
		arg   string
	)
	switch {
	case hasUser(owner):
		query = findOpenCartByUserSQL
		arg, _ = owner.UserID()
	default:
		query = findOpenCartBySessionSQL
		arg, _ = owner.SessionToken()
	}

	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("finding cart for %s: %w", owner, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrCartNotFound
		}
		return nil, fmt.Errorf("finding cart for %s: %w", owner, err)
	}
	return &c, nil
}

// Create inserts a new open cart row.
func (r *CartRepository) Create(ctx context.Context, c *cart.Cart) error {
	var userID, token *string
	if id, ok := c.Owner.UserID(); ok {
		userID = &id
	}
	if t, ok := c.Owner.SessionToken(); ok {
		token = &t
	}

	_, err := r.pool.Exec(ctx, createCartSQL,
		c.ID, userID, token, string(c.Status), c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating cart %q: %w", c.ID, err)
	}
	return nil
}

// GetItems returns all items of a cart in insertion order.
func (r *CartRepository) GetItems(ctx context.Context, cartID string) ([]cart.Item, error) {
	rows, err := r.pool.Query(ctx, getCartItemsSQL, cartID)
	if err != nil {
		return nil, fmt.Errorf("getting items of cart %q: %w", cartID, err)
	}
	return pgx.CollectRows(rows, scanCartItem)
}

// UpsertItem inserts the item or adds its quantity to an existing line for
// the same session. The stored price of an existing line is kept.
func (r *CartRepository) UpsertItem(ctx context.Context, item cart.Item) error {
	_, err := r.pool.Exec(ctx, upsertCartItemSQL,
		item.ID, item.CartID, item.SessionID, item.Quantity, item.PriceAtTime, item.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting item for session %q: %w", item.SessionID, err)
	}
	return nil
}

// SetItemQuantity sets an absolute quantity on an item of the cart.
// Returns cart.ErrItemNotFound when no such item exists in the cart.
func (r *CartRepository) SetItemQuantity(ctx context.Context, cartID, itemID string, quantity int) error {
	tag, err := r.pool.Exec(ctx, setItemQuantitySQL, cartID, itemID, quantity)
	if err != nil {
		return fmt.Errorf("updating item %q: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrItemNotFound
	}
	return nil
}

// DeleteItem removes an item. Deleting a nonexistent item is not an error.
func (r *CartRepository) DeleteItem(ctx context.Context, cartID, itemID string) error {
	_, err := r.pool.Exec(ctx, deleteCartItemSQL, cartID, itemID)
	if err != nil {
		return fmt.Errorf("deleting item %q: %w", itemID, err)
	}
	return nil
}

// DeleteItems removes all items of a cart.
func (r *CartRepository) DeleteItems(ctx context.Context, cartID string) error {
	_, err := r.pool.Exec(ctx, deleteCartItemsSQL, cartID)
	if err != nil {
		return fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	return nil
}

// Delete removes a cart row; items go with it by cascade.
func (r *CartRepository) Delete(ctx context.Context, cartID string) error {
	_, err := r.pool.Exec(ctx, deleteCartSQL, cartID)
	if err != nil {
		return fmt.Errorf("deleting cart %q: %w", cartID, err)
	}
	return nil
}

// MergeInto moves the source cart's items into the destination and deletes
// the source cart in a single transaction, so a failed merge leaves both
// carts as they were and a retry cannot double quantities.
func (r *CartRepository) MergeInto(ctx context.Context, srcCartID, dstCartID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning merge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mergeCartItemsSQL, srcCartID, dstCartID); err != nil {
		return fmt.Errorf("moving items of cart %q: %w", srcCartID, err)
	}
	if _, err := tx.Exec(ctx, deleteCartSQL, srcCartID); err != nil {
		return fmt.Errorf("deleting merged cart %q: %w", srcCartID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing merge: %w", err)
	}
	return nil
}

// SetStatus transitions the cart lifecycle state.
func (r *CartRepository) SetStatus(ctx context.Context, cartID string, status cart.Status) error {
	_, err := r.pool.Exec(ctx, setCartStatusSQL, cartID, string(status))
	if err != nil {
		return fmt.Errorf("setting status of cart %q: %w", cartID, err)
	}
	return nil
}

// DeleteExpired removes open carts whose expiry has passed.
func (r *CartRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, deleteExpiredCartsSQL, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired carts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func hasUser(owner cart.Owner) bool {
	_, ok := owner.UserID()
	return ok
}

func scanCart(row pgx.CollectableRow) (cart.Cart, error) {
	var (
		c      cart.Cart
		userID *string
		token  *string
		status string
	)
	err := row.Scan(&c.ID, &userID, &token, &status, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt)
	if userID != nil {
		c.Owner = cart.UserOwner(*userID)
	} else if token != nil {
		c.Owner = cart.AnonymousOwner(*token)
	}
	c.Status = cart.Status(status)
	return c, err
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var it cart.Item
	err := row.Scan(&it.ID, &it.CartID, &it.SessionID, &it.Quantity, &it.PriceAtTime, &it.AddedAt)
	return it, err
}
