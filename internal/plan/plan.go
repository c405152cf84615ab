// Package plan maps provider price identifiers to internal plans and owns
// all period and price arithmetic for them.
package plan

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashgrove/subsync/internal/domain"
)

// Prices per billing period in the provider's minor unit (cents).
// Conversion to major units happens only at presentation boundaries.
const (
	PriceMonthlyCents int64 = 999
	PriceAnnualCents  int64 = 9990
	PricePremiumCents int64 = 1999
)

// Catalog maps provider price IDs to internal plans. It is a pure lookup
// built once from configuration; no state is mutated after construction.
type Catalog struct {
	byPriceID map[string]domain.Plan
	byPlan    map[domain.Plan]string
}

// CatalogConfig carries the provider price IDs for each paid plan.
type CatalogConfig struct {
	MonthlyPriceID string
	AnnualPriceID  string
	PremiumPriceID string
}

// NewCatalog builds a catalog from the configured price IDs.
// Empty price IDs are simply absent from the mapping.
func NewCatalog(cfg CatalogConfig) *Catalog {
	c := &Catalog{
		byPriceID: make(map[string]domain.Plan),
		byPlan:    make(map[domain.Plan]string),
	}
	add := func(priceID string, p domain.Plan) {
		if priceID == "" {
			return
		}
		c.byPriceID[priceID] = p
		c.byPlan[p] = priceID
	}
	add(cfg.MonthlyPriceID, domain.PlanMonthly)
	add(cfg.AnnualPriceID, domain.PlanAnnual)
	add(cfg.PremiumPriceID, domain.PlanPremium)
	return c
}

// PlanForPriceID resolves a provider price ID to an internal plan.
// Unknown price IDs resolve to the free plan with ok=false.
func (c *Catalog) PlanForPriceID(priceID string) (domain.Plan, bool) {
	p, ok := c.byPriceID[priceID]
	if !ok {
		return domain.PlanFree, false
	}
	return p, true
}

// PriceIDForPlan returns the provider price ID for a paid plan.
func (c *Catalog) PriceIDForPlan(p domain.Plan) (string, bool) {
	id, ok := c.byPlan[p]
	return id, ok
}

// PriceCents returns the per-period price of a plan in cents.
func PriceCents(p domain.Plan) int64 {
	switch p {
	case domain.PlanMonthly:
		return PriceMonthlyCents
	case domain.PlanAnnual:
		return PriceAnnualCents
	case domain.PlanPremium:
		return PricePremiumCents
	default:
		return 0
	}
}

// PeriodEnd computes the local fallback billing period end for a plan.
// Calendar month/year increments are used rather than fixed day counts so
// annual plans do not drift.
func PeriodEnd(p domain.Plan, start time.Time) time.Time {
	switch p {
	case domain.PlanAnnual:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// ProrationEstimateCents approximates the charge delta of switching plans
// mid-period, for user display only. The provider's own invoice is
// authoritative; this figure never feeds back into billing.
//
// The unused fraction of the old plan's period is credited against the same
// fraction of the new plan's price.
func ProrationEstimateCents(oldPlan, newPlan domain.Plan, periodStart, periodEnd, now time.Time) int64 {
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return 0
	}
	remaining := periodEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}

	fraction := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total)))
	oldCredit := decimal.NewFromInt(PriceCents(oldPlan)).Mul(fraction)
	newCharge := decimal.NewFromInt(PriceCents(newPlan)).Mul(fraction)

	return newCharge.Sub(oldCredit).Round(0).IntPart()
}
