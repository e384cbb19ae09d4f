package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrSessionNotFound is returned when a requested formation session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Formation groups a set of scheduled sessions under one course.
type Formation struct {
	ID    string
	Title string
	Slug  string
}

// Session is a capacity-limited, priced unit that can be added to a cart.
// Price and AvailableSpots are authoritative snapshots at read time.
type Session struct {
	ID             string
	FormationID    string
	Title          string
	Price          decimal.Decimal
	AvailableSpots int
	StartsAt       *time.Time
}

// Repository defines read operations over the formation catalog.
type Repository interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessions(ctx context.Context, ids []string) ([]Session, error)
	ListSessions(ctx context.Context, formationID string) ([]Session, error)
	ListFormations(ctx context.Context) ([]Formation, error)
}
