package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/formaplace/checkout/internal/repository"
)

type sessionJSON struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Price          decimal.Decimal `json:"price"`
	AvailableSpots int             `json:"availableSpots"`
	StartsAt       time.Time       `json:"startsAt"`
}

type formationJSON struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Slug     string        `json:"slug"`
	Sessions []sessionJSON `json:"sessions"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, pool, catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := seedPlans(ctx, pool); err != nil {
		return errors.Wrap(err, "seed plans")
	}

	if err := seedPromoCodes(ctx, pool); err != nil {
		return errors.Wrap(err, "seed promo codes")
	}

	return nil
}

const (
	upsertFormationSQL = `
INSERT INTO formations (id, title, slug)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, slug = EXCLUDED.slug`

	upsertSessionSQL = `
INSERT INTO sessions (id, formation_id, title, price, available_spots, starts_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    formation_id    = EXCLUDED.formation_id,
    title           = EXCLUDED.title,
    price           = EXCLUDED.price,
    available_spots = EXCLUDED.available_spots,
    starts_at       = EXCLUDED.starts_at`

	upsertPlanSQL = `
INSERT INTO plans (code, provider_price_id, features)
VALUES ($1, $2, $3)
ON CONFLICT (code) DO UPDATE SET
    provider_price_id = EXCLUDED.provider_price_id,
    features          = EXCLUDED.features`

	upsertPromoSQL = `
INSERT INTO promo_codes (code, discount_type, value, max_discount, min_subtotal,
                         formation_ids, max_uses, per_user_limit, auto_apply, active, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (code) DO UPDATE SET
    discount_type  = EXCLUDED.discount_type,
    value          = EXCLUDED.value,
    max_discount   = EXCLUDED.max_discount,
    min_subtotal   = EXCLUDED.min_subtotal,
    formation_ids  = EXCLUDED.formation_ids,
    max_uses       = EXCLUDED.max_uses,
    per_user_limit = EXCLUDED.per_user_limit,
    auto_apply     = EXCLUDED.auto_apply,
    active         = EXCLUDED.active,
    description    = EXCLUDED.description`
)

func seedCatalog(ctx context.Context, pool *pgxpool.Pool, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}

	var formations []formationJSON
	if err := json.Unmarshal(data, &formations); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("upserting formations", slog.Int("count", len(formations)))

	for _, f := range formations {
		if _, err := pool.Exec(ctx, upsertFormationSQL, f.ID, f.Title, f.Slug); err != nil {
			return errors.Wrapf(err, "upsert formation %s", f.ID)
		}
		for _, s := range f.Sessions {
			if _, err := pool.Exec(ctx, upsertSessionSQL,
				s.ID, f.ID, s.Title, s.Price, s.AvailableSpots, s.StartsAt,
			); err != nil {
				return errors.Wrapf(err, "upsert session %s", s.ID)
			}
		}

		slog.Info("upserted formation",
			slog.String("id", f.ID),
			slog.String("title", f.Title),
			slog.Int("sessions", len(f.Sessions)),
		)
	}

	return nil
}

func seedPlans(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding plans")

	plans := []struct {
		Code     string
		PriceID  string
		Features map[string]bool
	}{
		{
			Code:     "basic",
			PriceID:  "price_basic_monthly",
			Features: map[string]bool{"catalog_access": true},
		},
		{
			Code:    "pro",
			PriceID: "price_pro_monthly",
			Features: map[string]bool{
				"catalog_access": true,
				"replay_access":  true,
				"mentoring":      true,
			},
		},
	}

	for _, p := range plans {
		features, err := json.Marshal(p.Features)
		if err != nil {
			return errors.Wrapf(err, "marshal features for plan %s", p.Code)
		}
		if _, err := pool.Exec(ctx, upsertPlanSQL, p.Code, p.PriceID, features); err != nil {
			return errors.Wrapf(err, "upsert plan %s", p.Code)
		}

		slog.Info("upserted plan", slog.String("code", p.Code), slog.String("price_id", p.PriceID))
	}

	return nil
}

func seedPromoCodes(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding promo codes")

	type promoSeed struct {
		Code         string
		DiscountType string
		Value        decimal.Decimal
		MaxDiscount  *decimal.Decimal
		MinSubtotal  *decimal.Decimal
		FormationIDs []string
		MaxUses      int
		PerUserLimit int
		AutoApply    bool
		Description  string
	}

	maxSave := decimal.NewFromInt(200)
	minLaunch := decimal.NewFromInt(500)

	codes := []promoSeed{
		{
			Code:         "SAVE10",
			DiscountType: "percentage",
			Value:        decimal.NewFromInt(10),
			MaxDiscount:  &maxSave,
			FormationIDs: []string{},
			PerUserLimit: 1,
			Description:  "10% off, capped at 200",
		},
		{
			Code:         "LAUNCH50",
			DiscountType: "fixed",
			Value:        decimal.NewFromInt(50),
			MinSubtotal:  &minLaunch,
			FormationIDs: []string{},
			MaxUses:      100,
			Description:  "50 off orders of 500 or more",
		},
		{
			Code:         "EARLYBIRD",
			DiscountType: "percentage",
			Value:        decimal.NewFromInt(5),
			FormationIDs: []string{},
			AutoApply:    true,
			Description:  "5% early bird, applied automatically",
		},
	}

	for _, c := range codes {
		if _, err := pool.Exec(ctx, upsertPromoSQL,
			c.Code, c.DiscountType, c.Value, c.MaxDiscount, c.MinSubtotal,
			c.FormationIDs, c.MaxUses, c.PerUserLimit, c.AutoApply, true, c.Description,
		); err != nil {
			return errors.Wrapf(err, "upsert promo code %s", c.Code)
		}

		slog.Info("upserted promo code", slog.String("code", c.Code), slog.String("description", c.Description))
	}

	return nil
}
