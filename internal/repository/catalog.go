package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formaplace/checkout/internal/domain/catalog"
)

const (
	getSessionSQL = `SELECT id, formation_id, title, price, available_spots, starts_at
		FROM sessions WHERE id = $1`

	getSessionsSQL = `SELECT id, formation_id, title, price, available_spots, starts_at
		FROM sessions WHERE id = ANY($1)`

	listSessionsSQL = `SELECT id, formation_id, title, price, available_spots, starts_at
		FROM sessions WHERE formation_id = $1 ORDER BY starts_at NULLS LAST, id`

	listFormationsSQL = `SELECT id, title, slug FROM formations ORDER BY id`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetSession returns a single formation session by its identifier.
// Returns catalog.ErrSessionNotFound when it does not exist.
func (r *CatalogRepository) GetSession(ctx context.Context, id string) (*catalog.Session, error) {
	rows, err := r.pool.Query(ctx, getSessionSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", id, err)
	}

	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session %q: %w", id, err)
	}
	return &s, nil
}

// GetSessions returns sessions matching any of the given IDs.
func (r *CatalogRepository) GetSessions(ctx context.Context, ids []string) ([]catalog.Session, error) {
	rows, err := r.pool.Query(ctx, getSessionsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting sessions by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanSession)
}

// ListSessions returns all sessions of a formation.
func (r *CatalogRepository) ListSessions(ctx context.Context, formationID string) ([]catalog.Session, error) {
	rows, err := r.pool.Query(ctx, listSessionsSQL, formationID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions of formation %q: %w", formationID, err)
	}
	return pgx.CollectRows(rows, scanSession)
}

// ListFormations returns every formation.
func (r *CatalogRepository) ListFormations(ctx context.Context) ([]catalog.Formation, error) {
	rows, err := r.pool.Query(ctx, listFormationsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing formations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Formation, error) {
		var f catalog.Formation
		err := row.Scan(&f.ID, &f.Title, &f.Slug)
		return f, err
	})
}

// ReserveForCart decrements available_spots for every item of a confirmed
// cart inside one transaction, locking each session row first. Called by the
// webhook reconciler on checkout completion, after the provider took the
// money; insufficient capacity at this point is recorded, not rolled back
// per item, and the whole reservation fails so the operator can intervene.
func (r *CatalogRepository) ReserveForCart(ctx context.Context, cartID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning reservation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replay guard: a cart already checked out has had its spots reserved.
	var status string
	if err := tx.QueryRow(ctx,
		`SELECT status FROM carts WHERE id = $1 FOR UPDATE`, cartID,
	).Scan(&status); err != nil {
		return fmt.Errorf("locking cart %q: %w", cartID, err)
	}
	if status != "open" {
		return nil
	}

	rows, err := tx.Query(ctx,
		`SELECT session_id, quantity FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("loading cart %q items: %w", cartID, err)
	}
	type line struct {
		sessionID string
		quantity  int
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (line, error) {
		var l line
		err := row.Scan(&l.sessionID, &l.quantity)
		return l, err
	})
	if err != nil {
		return fmt.Errorf("loading cart %q items: %w", cartID, err)
	}

	for _, l := range lines {
		var spots int
		err := tx.QueryRow(ctx,
			`SELECT available_spots FROM sessions WHERE id = $1 FOR UPDATE`, l.sessionID,
		).Scan(&spots)
		if err != nil {
			return fmt.Errorf("locking session %q: %w", l.sessionID, err)
		}
		if spots < l.quantity {
			return fmt.Errorf("session %q oversold: %d spots left, %d confirmed", l.sessionID, spots, l.quantity)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET available_spots = available_spots - $2 WHERE id = $1`,
			l.sessionID, l.quantity,
		); err != nil {
			return fmt.Errorf("reserving spots of session %q: %w", l.sessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing reservation: %w", err)
	}
	return nil
}

func scanSession(row pgx.CollectableRow) (catalog.Session, error) {
	var s catalog.Session
	err := row.Scan(&s.ID, &s.FormationID, &s.Title, &s.Price, &s.AvailableSpots, &s.StartsAt)
	return s, err
}
