package pricesource

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/pkg/ebay"
	"github.com/cardvault/revalue/pkg/pricecharting"
	"github.com/cardvault/revalue/pkg/tcgplayer"
)

type stubEbay struct {
	calls int
	fn    func(call int) ([]ebay.SoldItem, error)
}

func (s *stubEbay) SearchSold(_ context.Context, _ ebay.Query) ([]ebay.SoldItem, error) {
	s.calls++
	return s.fn(s.calls)
}

type stubTCG struct {
	sales []tcgplayer.Sale
	err   error
}

func (s *stubTCG) LatestSales(_ context.Context, _ tcgplayer.Query) ([]tcgplayer.Sale, error) {
	return s.sales, s.err
}

type stubPC struct {
	product *pricecharting.Product
	err     error
}

func (s *stubPC) Lookup(_ context.Context, _ string) (*pricecharting.Product, error) {
	return s.product, s.err
}

func fastPolicy(attempts int) resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    attempts,
		BaseInterval:   time.Millisecond,
		MaxInterval:    time.Millisecond,
		Multiplier:     1,
		JitterFraction: 0,
	}
}

var meta = model.CardMeta{CardID: "card-1", UserID: "user-1", Name: "Charizard", SetName: "Base Set", Number: "4/102"}

func TestEbaySource_ConvertsAndSkipsBadPrices(t *testing.T) {
	client := &stubEbay{fn: func(int) ([]ebay.SoldItem, error) {
		return []ebay.SoldItem{
			{Title: "good", Price: ebay.Amount{Value: "100.00", Currency: "USD"}, Condition: "Near Mint"},
			{Title: "bad", Price: ebay.Amount{Value: "n/a", Currency: "USD"}},
		}, nil
	}}

	src := NewEbaySource(client, resilience.NewSourceBreakers(resilience.DefaultBreakerConfig()), fastPolicy(1))
	comps, err := src.FetchComps(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, SourceEbay, comps[0].Source)
	assert.InDelta(t, 100.0, comps[0].Price, 1e-9)
	assert.Equal(t, "Near Mint", comps[0].Condition)
}

func TestEbaySource_RetriesTransient(t *testing.T) {
	client := &stubEbay{fn: func(call int) ([]ebay.SoldItem, error) {
		if call < 3 {
			return nil, resilience.NewTransientError(eris.New("503"), 503)
		}
		return []ebay.SoldItem{{Price: ebay.Amount{Value: "5", Currency: "USD"}}}, nil
	}}

	src := NewEbaySource(client, resilience.NewSourceBreakers(resilience.DefaultBreakerConfig()), fastPolicy(3))
	comps, err := src.FetchComps(context.Background(), meta)
	require.NoError(t, err)
	assert.Len(t, comps, 1)
	assert.Equal(t, 3, client.calls)
}

func TestEbaySource_BreakerOpensAndSkips(t *testing.T) {
	client := &stubEbay{fn: func(int) ([]ebay.SoldItem, error) {
		return nil, eris.New("permanent failure")
	}}

	breakers := resilience.NewSourceBreakers(resilience.DefaultBreakerConfig())
	src := NewEbaySource(client, breakers, fastPolicy(1))

	for i := 0; i < 5; i++ {
		_, err := src.FetchComps(context.Background(), meta)
		require.Error(t, err)
	}
	assert.False(t, src.Available())

	// Rejected at admission, client not called again.
	callsBefore := client.calls
	_, err := src.FetchComps(context.Background(), meta)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, callsBefore, client.calls)
}

func TestTCGPlayerSource_DefaultsCurrency(t *testing.T) {
	client := &stubTCG{sales: []tcgplayer.Sale{{Price: 42, Condition: "Lightly Played"}}}
	src := NewTCGPlayerSource(client, resilience.NewSourceBreakers(resilience.DefaultBreakerConfig()), fastPolicy(1))

	comps, err := src.FetchComps(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "USD", comps[0].Currency)
	assert.Equal(t, SourceTCGPlayer, comps[0].Source)
}

func TestPriceChartingSource_ExpandsTiers(t *testing.T) {
	client := &stubPC{product: &pricecharting.Product{
		ProductName: "Charizard",
		LoosePrice:  28999,
		GradedPrice: 145000,
	}}
	src := NewPriceChartingSource(client, resilience.NewSourceBreakers(resilience.DefaultBreakerConfig()), fastPolicy(1))

	comps, err := src.FetchComps(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.InDelta(t, 289.99, comps[0].Price, 1e-9)
	assert.Equal(t, "good", comps[0].Condition)
	assert.InDelta(t, 1450.00, comps[1].Price, 1e-9)
	assert.Equal(t, "mint", comps[1].Condition)
}

func TestPriceChartingSource_GuideFallback(t *testing.T) {
	client := &stubPC{err: eris.New("api down")}
	src := NewPriceChartingSource(client, resilience.NewSourceBreakers(resilience.DefaultBreakerConfig()), fastPolicy(1))

	guide, err := pricecharting.ParseGuide(strings.NewReader(
		"id,product-name,console-name,loose-price\n1,Charizard,Pokemon Base Set,10000\n"))
	require.NoError(t, err)
	src.SetGuide(guide)

	comps, err := src.FetchComps(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.InDelta(t, 100.0, comps[0].Price, 1e-9)
}

func TestPriceChartingSource_NoGuideSurfacesError(t *testing.T) {
	client := &stubPC{err: eris.New("api down")}
	src := NewPriceChartingSource(client, resilience.NewSourceBreakers(resilience.DefaultBreakerConfig()), fastPolicy(1))

	_, err := src.FetchComps(context.Background(), meta)
	require.Error(t, err)
}

func TestRegistry_Order(t *testing.T) {
	reg := NewRegistry()
	breakers := resilience.NewSourceBreakers(resilience.DefaultBreakerConfig())

	reg.Register(NewEbaySource(&stubEbay{fn: func(int) ([]ebay.SoldItem, error) { return nil, nil }}, breakers, fastPolicy(1)))
	reg.Register(NewTCGPlayerSource(&stubTCG{}, breakers, fastPolicy(1)))
	reg.Register(NewPriceChartingSource(&stubPC{}, breakers, fastPolicy(1)))

	var names []string
	for _, s := range reg.All() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{SourceEbay, SourceTCGPlayer, SourcePriceCharting}, names)
	assert.NotNil(t, reg.Get(SourceTCGPlayer))
	assert.Nil(t, reg.Get("unknown"))
}
