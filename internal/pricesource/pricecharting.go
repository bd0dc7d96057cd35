package pricesource

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/pkg/pricecharting"
)

// SourcePriceCharting is the registry name of the PriceCharting adapter.
const SourcePriceCharting = "pricecharting"

// PriceChartingSource adapts PriceCharting guide lookups into comparable
// sales. Guide prices are point estimates rather than individual sales, so
// one comp is emitted per populated price tier. When the product API fails
// after retries, a previously downloaded bulk guide snapshot answers instead.
type PriceChartingSource struct {
	client pricecharting.Client
	guard  guard

	mu    sync.RWMutex
	guide *pricecharting.Guide
}

// NewPriceChartingSource creates the PriceCharting adapter.
func NewPriceChartingSource(client pricecharting.Client, breakers *resilience.SourceBreakers, policy resilience.Policy) *PriceChartingSource {
	return &PriceChartingSource{
		client: client,
		guard:  newGuard(SourcePriceCharting, breakers, policy),
	}
}

// SetGuide installs (or replaces) the bulk guide fallback snapshot.
func (s *PriceChartingSource) SetGuide(g *pricecharting.Guide) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guide = g
}

func (s *PriceChartingSource) Name() string {
	return SourcePriceCharting
}

func (s *PriceChartingSource) Available() bool {
	return s.guard.available()
}

func (s *PriceChartingSource) FetchComps(ctx context.Context, meta model.CardMeta) ([]model.RawComp, error) {
	query := buildQuery(meta)

	comps, err := s.guard.fetch(ctx, func(ctx context.Context) ([]model.RawComp, error) {
		product, err := s.client.Lookup(ctx, query)
		if err != nil {
			return nil, err
		}
		return productComps(product), nil
	})
	if err == nil {
		return comps, nil
	}

	s.mu.RLock()
	guide := s.guide
	s.mu.RUnlock()
	if product := guide.Find(meta.Name); product != nil {
		zap.L().Warn("pricecharting: api unavailable, serving from guide snapshot",
			zap.String("card_id", meta.CardID),
			zap.Time("guide_fetched_at", guide.FetchedAt()),
			zap.Error(err))
		return productComps(product), nil
	}
	return nil, err
}

func buildQuery(meta model.CardMeta) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{meta.Name, meta.SetName, meta.Number} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// productComps expands a guide entry into one comp per populated price tier.
// Guide prices are in US cents.
func productComps(p *pricecharting.Product) []model.RawComp {
	tiers := []struct {
		cents     int64
		condition string
	}{
		{p.LoosePrice, "good"},
		{p.CIBPrice, "excellent"},
		{p.NewPrice, "near mint"},
		{p.GradedPrice, "mint"},
	}

	comps := make([]model.RawComp, 0, len(tiers))
	for _, tier := range tiers {
		if tier.cents <= 0 {
			continue
		}
		comps = append(comps, model.RawComp{
			Source:    SourcePriceCharting,
			Price:     float64(tier.cents) / 100,
			Currency:  "USD",
			Condition: tier.condition,
		})
	}
	return comps
}
