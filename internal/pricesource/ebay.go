package pricesource

import (
	"context"

	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/pkg/ebay"
)

// SourceEbay is the registry name of the eBay adapter.
const SourceEbay = "ebay"

// EbaySource adapts eBay sold-listing searches into comparable sales.
type EbaySource struct {
	client ebay.Client
	guard  guard
	limit  int
}

// NewEbaySource creates the eBay adapter.
func NewEbaySource(client ebay.Client, breakers *resilience.SourceBreakers, policy resilience.Policy) *EbaySource {
	return &EbaySource{
		client: client,
		guard:  newGuard(SourceEbay, breakers, policy),
		limit:  50,
	}
}

func (s *EbaySource) Name() string {
	return SourceEbay
}

func (s *EbaySource) Available() bool {
	return s.guard.available()
}

func (s *EbaySource) FetchComps(ctx context.Context, meta model.CardMeta) ([]model.RawComp, error) {
	return s.guard.fetch(ctx, func(ctx context.Context) ([]model.RawComp, error) {
		items, err := s.client.SearchSold(ctx, ebay.Query{
			CardName: meta.Name,
			SetName:  meta.SetName,
			Number:   meta.Number,
			Limit:    s.limit,
		})
		if err != nil {
			return nil, err
		}

		comps := make([]model.RawComp, 0, len(items))
		for _, item := range items {
			price, err := item.Price.Float()
			if err != nil {
				zap.L().Warn("ebay: dropping comp with unparseable price",
					zap.String("title", item.Title), zap.Error(err))
				continue
			}
			comps = append(comps, model.RawComp{
				Source:    SourceEbay,
				Price:     price,
				Currency:  item.Price.Currency,
				Condition: item.Condition,
				SoldDate:  item.SoldDate,
			})
		}
		return comps, nil
	})
}
