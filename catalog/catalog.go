/*
Package catalog loads the seed catalog (members, classes, products, promo
codes and rewards) from YAML and registers it with the coordinator.

PURPOSE:
  The settlement engine never owns catalog editing; it only needs the data to
  price carts and check capacity. A seed file gets a fresh environment to a
  usable state and is safe to load on every start: existing wallets, stock
  counters and promo usage are never reset.

FILE FORMAT:
  members:
    - id: m-asha
      name: Asha
      wallet: {cash: "2000", class_credits: 8, loyalty_points: 50}
  classes:
    - id: spin-am
      name: Morning Spin
      starts_in: 26h          # relative to load time, or starts_at: RFC3339
      max_capacity: 20
      credit_category: class_credit
  products:
    - {id: protein, name: Whey Protein, price: "400", stock: 25}
  promos:
    - {code: SAVE10, type: percentage, value: "10", usage_limit: 100}
  rewards:
    - id: sauna-pass
      name: Sauna Pass
      points_cost: 100
      grants: [{category: sauna_credit, amount: 1}]

SEE ALSO:
  - demo.yaml: the catalog used when CATALOG_PATH is not set
  - settlement/admin.go: the Register* operations this calls
*/
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/settlement"
	"gopkg.in/yaml.v3"
)

//go:embed demo.yaml
var Demo []byte

// =============================================================================
// FILE FORMAT
// =============================================================================

type File struct {
	Members  []Member  `yaml:"members"`
	Classes  []Class   `yaml:"classes"`
	Products []Product `yaml:"products"`
	Promos   []Promo   `yaml:"promos"`
	Rewards  []Reward  `yaml:"rewards"`
}

type Member struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Wallet Wallet `yaml:"wallet"`
}

type Wallet struct {
	Cash           decimal.Decimal `yaml:"cash"`
	ClassCredits   int64           `yaml:"class_credits"`
	SaunaSessions  int64           `yaml:"sauna_sessions"`
	IceBathCredits int64           `yaml:"ice_bath_credits"`
	LoyaltyPoints  int64           `yaml:"loyalty_points"`
}

type Class struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	StartsAt       time.Time `yaml:"starts_at"`
	StartsIn       string    `yaml:"starts_in"`
	MaxCapacity    int64     `yaml:"max_capacity"`
	CreditCategory string    `yaml:"credit_category"`
}

type Product struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Price    decimal.Decimal `yaml:"price"`
	Category string          `yaml:"category"`
	Stock    int64           `yaml:"stock"`
}

type Promo struct {
	Code       string          `yaml:"code"`
	Type       string          `yaml:"type"`
	Value      decimal.Decimal `yaml:"value"`
	UsageLimit *int64          `yaml:"usage_limit"`
	ExpiresAt  time.Time       `yaml:"expires_at"`
	Inactive   bool            `yaml:"inactive"`
}

type Reward struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name"`
	PointsCost int64   `yaml:"points_cost"`
	Grants     []Grant `yaml:"grants"`
}

type Grant struct {
	Category string `yaml:"category"`
	Amount   int64  `yaml:"amount"`
}

// Load reads and parses a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return f, nil
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool)
	check := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%s: id is required", kind)
		}
		if seen[kind+"/"+id] {
			return fmt.Errorf("%s %s: duplicate id", kind, id)
		}
		seen[kind+"/"+id] = true
		return nil
	}

	for _, m := range f.Members {
		if err := check("member", m.ID); err != nil {
			return err
		}
	}
	for _, c := range f.Classes {
		if err := check("class", c.ID); err != nil {
			return err
		}
		if c.StartsAt.IsZero() && c.StartsIn == "" {
			return fmt.Errorf("class %s: starts_at or starts_in is required", c.ID)
		}
		if c.StartsIn != "" {
			if _, err := time.ParseDuration(c.StartsIn); err != nil {
				return fmt.Errorf("class %s: bad starts_in: %w", c.ID, err)
			}
		}
	}
	for _, p := range f.Products {
		if err := check("product", p.ID); err != nil {
			return err
		}
		if p.Price.IsNegative() || p.Stock < 0 {
			return fmt.Errorf("product %s: price and stock must not be negative", p.ID)
		}
	}
	for _, p := range f.Promos {
		if err := check("promo", promo.Normalize(p.Code)); err != nil {
			return err
		}
		switch promo.Type(p.Type) {
		case promo.TypePercentage, promo.TypeFlat:
		default:
			return fmt.Errorf("promo %s: unknown type %q", p.Code, p.Type)
		}
	}
	for _, r := range f.Rewards {
		if err := check("reward", r.ID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// APPLY
// =============================================================================

// Registrar is the part of the coordinator the seed needs.
type Registrar interface {
	OpenMember(ctx context.Context, m settlement.Member, opening ledger.Balances) error
	RegisterClass(ctx context.Context, c settlement.Class) error
	RegisterProduct(ctx context.Context, p settlement.Product, stock int64) error
	RegisterPromo(ctx context.Context, c promo.Code) error
	RegisterReward(ctx context.Context, item settlement.RewardItem) error
}

// Apply registers everything in the file. Relative class start times are
// resolved against now.
func (f *File) Apply(ctx context.Context, r Registrar, now time.Time) error {
	for _, m := range f.Members {
		opening := ledger.Balances{
			Cash:           m.Wallet.Cash,
			ClassCredits:   m.Wallet.ClassCredits,
			SaunaSessions:  m.Wallet.SaunaSessions,
			IceBathCredits: m.Wallet.IceBathCredits,
			LoyaltyPoints:  m.Wallet.LoyaltyPoints,
		}
		if err := r.OpenMember(ctx, settlement.Member{ID: m.ID, Name: m.Name}, opening); err != nil {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
	}

	for _, c := range f.Classes {
		startsAt := c.StartsAt
		if c.StartsIn != "" {
			d, _ := time.ParseDuration(c.StartsIn)
			startsAt = now.Add(d)
		}
		category := ledger.Category(c.CreditCategory)
		if category == "" {
			category = ledger.CategoryClassCredit
		}
		err := r.RegisterClass(ctx, settlement.Class{
			ID:             c.ID,
			Name:           c.Name,
			StartsAt:       startsAt.UTC(),
			MaxCapacity:    c.MaxCapacity,
			CreditCategory: category,
		})
		if err != nil {
			return fmt.Errorf("class %s: %w", c.ID, err)
		}
	}

	for _, p := range f.Products {
		product := settlement.Product{ID: p.ID, Name: p.Name, Price: p.Price, Category: p.Category}
		if err := r.RegisterProduct(ctx, product, p.Stock); err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
	}

	for _, p := range f.Promos {
		status := promo.StatusActive
		if p.Inactive {
			status = promo.StatusInactive
		}
		err := r.RegisterPromo(ctx, promo.Code{
			Code:       p.Code,
			Type:       promo.Type(p.Type),
			Value:      p.Value,
			UsageLimit: p.UsageLimit,
			ExpiresAt:  p.ExpiresAt,
			Status:     status,
		})
		if err != nil {
			return fmt.Errorf("promo %s: %w", p.Code, err)
		}
	}

	for _, rw := range f.Rewards {
		item := settlement.RewardItem{ID: rw.ID, Name: rw.Name, PointsCost: rw.PointsCost}
		for _, g := range rw.Grants {
			item.Grants = append(item.Grants, settlement.Grant{Category: ledger.Category(g.Category), Amount: g.Amount})
		}
		if err := r.RegisterReward(ctx, item); err != nil {
			return fmt.Errorf("reward %s: %w", rw.ID, err)
		}
	}

	logger.FromContext(ctx).Info().
		Int("members", len(f.Members)).
		Int("classes", len(f.Classes)).
		Int("products", len(f.Products)).
		Int("promos", len(f.Promos)).
		Int("rewards", len(f.Rewards)).
		Msg("Catalog loaded")
	return nil
}
