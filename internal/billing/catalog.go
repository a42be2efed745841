package billing

import "github.com/PortNumber53/fieldjobs-billing/internal/models"

// Catalog maps plan tiers to Stripe price ids. An empty catalog knows no
// prices and skips price/tier consistency checks.
type Catalog struct {
	byTier  map[models.PlanTier]string
	byPrice map[string]models.PlanTier
}

// NewCatalog builds a catalog, ignoring unknown tiers and empty price ids.
func NewCatalog(prices map[models.PlanTier]string) Catalog {
	c := Catalog{
		byTier:  make(map[models.PlanTier]string, len(prices)),
		byPrice: make(map[string]models.PlanTier, len(prices)),
	}
	for tier, price := range prices {
		if !tier.Valid() || price == "" {
			continue
		}
		c.byTier[tier] = price
		c.byPrice[price] = tier
	}
	return c
}

// TierForPrice reports the tier a price belongs to.
func (c Catalog) TierForPrice(priceID string) (models.PlanTier, bool) {
	t, ok := c.byPrice[priceID]
	return t, ok
}

// PriceFor reports the price configured for a tier.
func (c Catalog) PriceFor(tier models.PlanTier) (string, bool) {
	p, ok := c.byTier[tier]
	return p, ok
}
