package pricesource

import (
	"context"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/pkg/tcgplayer"
)

// SourceTCGPlayer is the registry name of the TCGplayer adapter.
const SourceTCGPlayer = "tcgplayer"

// TCGPlayerSource adapts TCGplayer latest-sales lookups into comparable sales.
type TCGPlayerSource struct {
	client tcgplayer.Client
	guard  guard
	limit  int
}

// NewTCGPlayerSource creates the TCGplayer adapter.
func NewTCGPlayerSource(client tcgplayer.Client, breakers *resilience.SourceBreakers, policy resilience.Policy) *TCGPlayerSource {
	return &TCGPlayerSource{
		client: client,
		guard:  newGuard(SourceTCGPlayer, breakers, policy),
		limit:  50,
	}
}

func (s *TCGPlayerSource) Name() string {
	return SourceTCGPlayer
}

func (s *TCGPlayerSource) Available() bool {
	return s.guard.available()
}

func (s *TCGPlayerSource) FetchComps(ctx context.Context, meta model.CardMeta) ([]model.RawComp, error) {
	return s.guard.fetch(ctx, func(ctx context.Context) ([]model.RawComp, error) {
		sales, err := s.client.LatestSales(ctx, tcgplayer.Query{
			CardName: meta.Name,
			SetName:  meta.SetName,
			Number:   meta.Number,
			Limit:    s.limit,
		})
		if err != nil {
			return nil, err
		}

		comps := make([]model.RawComp, 0, len(sales))
		for _, sale := range sales {
			currency := sale.Currency
			if currency == "" {
				currency = "USD"
			}
			comps = append(comps, model.RawComp{
				Source:    SourceTCGPlayer,
				Price:     sale.Price,
				Currency:  currency,
				Condition: sale.Condition,
				SoldDate:  sale.OrderDate,
			})
		}
		return comps, nil
	})
}
