package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/authenticity"
	"github.com/cardvault/revalue/internal/deadletter"
	"github.com/cardvault/revalue/internal/event"
	"github.com/cardvault/revalue/internal/fusion"
	"github.com/cardvault/revalue/internal/orchestrator"
	"github.com/cardvault/revalue/internal/pricesource"
	"github.com/cardvault/revalue/internal/registry"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/internal/store"
	"github.com/cardvault/revalue/pkg/ebay"
	"github.com/cardvault/revalue/pkg/judge"
	"github.com/cardvault/revalue/pkg/notion"
	"github.com/cardvault/revalue/pkg/pricecharting"
	"github.com/cardvault/revalue/pkg/tcgplayer"
	"github.com/cardvault/revalue/pkg/vision"
)

// engineEnv holds the initialized store, clients, and orchestrator needed by
// the run/serve commands.
type engineEnv struct {
	Store        store.Store
	Registry     *registry.Ledger
	Breakers     *resilience.SourceBreakers
	Sources      *pricesource.Registry
	Orchestrator *orchestrator.Orchestrator
}

// Close waits for in-flight executions and releases resources. Callers
// should defer env.Close().
func (e *engineEnv) Close() {
	if e.Orchestrator != nil {
		e.Orchestrator.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "revalue.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine sets up the store, all price source clients, the fusion engine,
// the authenticity scorer, and the orchestrator.
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ledger := registry.New(cfg.Engine.RegistryTTL())

	breakers := resilience.NewSourceBreakers(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown(),
		CloseThreshold:   cfg.Breaker.CloseThreshold,
	})
	sourcePolicy := resilience.DefaultPolicy()

	sources := pricesource.NewRegistry()

	var ebayOpts []ebay.Option
	if cfg.Ebay.BaseURL != "" {
		ebayOpts = append(ebayOpts, ebay.WithBaseURL(cfg.Ebay.BaseURL))
	}
	if cfg.Ebay.RPS > 0 {
		ebayOpts = append(ebayOpts, ebay.WithRateLimit(cfg.Ebay.RPS))
	}
	sources.Register(pricesource.NewEbaySource(
		ebay.NewClient(cfg.Ebay.Token, ebayOpts...), breakers, sourcePolicy))

	var tcgOpts []tcgplayer.Option
	if cfg.TCGPlayer.BaseURL != "" {
		tcgOpts = append(tcgOpts, tcgplayer.WithBaseURL(cfg.TCGPlayer.BaseURL))
	}
	if cfg.TCGPlayer.RPS > 0 {
		tcgOpts = append(tcgOpts, tcgplayer.WithRateLimit(cfg.TCGPlayer.RPS))
	}
	sources.Register(pricesource.NewTCGPlayerSource(
		tcgplayer.NewClient(cfg.TCGPlayer.Token, tcgOpts...), breakers, sourcePolicy))

	var pcOpts []pricecharting.Option
	if cfg.PriceCharting.BaseURL != "" {
		pcOpts = append(pcOpts, pricecharting.WithBaseURL(cfg.PriceCharting.BaseURL))
	}
	if cfg.PriceCharting.RPS > 0 {
		pcOpts = append(pcOpts, pricecharting.WithRateLimit(cfg.PriceCharting.RPS))
	}
	pcSource := pricesource.NewPriceChartingSource(
		pricecharting.NewClient(cfg.PriceCharting.Token, pcOpts...), breakers, sourcePolicy)
	sources.Register(pcSource)

	// Bulk guide feed (optional — offline fallback for the PriceCharting API).
	if cfg.PriceCharting.FeedURL != "" {
		guide, err := pricecharting.NewFeedFetcher(pricecharting.FeedOptions{}).Fetch(ctx, cfg.PriceCharting.FeedURL)
		if err != nil {
			zap.L().Warn("price guide feed unavailable, continuing without fallback", zap.Error(err))
		} else {
			pcSource.SetGuide(guide)
			zap.L().Info("price guide feed loaded", zap.Int("products", guide.Len()))
		}
	}

	fusionCfg := fusion.Config{
		TargetCurrency:  cfg.Fusion.TargetCurrency,
		IQRMultiplier:   cfg.Fusion.IQRMultiplier,
		LowPercentile:   cfg.Fusion.LowPercentile,
		HighPercentile:  cfg.Fusion.HighPercentile,
		CompsSaturation: cfg.Fusion.CompsSaturation,
	}
	if cfg.Fusion.RatesPath != "" {
		rates, err := fusion.LoadRates(cfg.Fusion.RatesPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load currency rates")
		}
		fusionCfg.Rates = rates
	}
	engine := fusion.NewEngine(fusionCfg)

	// Judge is optional — without a key the scorer falls back to the local
	// signal mean and no valuation opinions are produced.
	var judgeClient judge.Client
	if cfg.Anthropic.Key != "" {
		judgeClient = judge.NewClient(cfg.Anthropic.Key,
			judge.WithModel(cfg.Anthropic.Model),
			judge.WithMaxTokens(cfg.Anthropic.MaxTokens))
	} else {
		zap.L().Warn("REVALUE_ANTHROPIC_KEY not set, authenticity uses local signal mean only")
	}

	scorer := authenticity.NewScorer(judgeClient, authenticity.Config{
		FakeThreshold: cfg.Fusion.FakeThreshold,
	})

	var visionOpts []vision.Option
	if cfg.Vision.BaseURL != "" {
		visionOpts = append(visionOpts, vision.WithBaseURL(cfg.Vision.BaseURL))
	}
	visionClient := vision.NewClient(cfg.Vision.Key, visionOpts...)

	var recorderOpts []deadletter.Option
	if cfg.Notion.Token != "" && cfg.Notion.DeadLetterDB != "" {
		recorderOpts = append(recorderOpts,
			deadletter.WithNotionMirror(notion.NewClient(cfg.Notion.Token), cfg.Notion.DeadLetterDB))
		zap.L().Info("notion dead-letter mirror enabled")
	}
	recorder := deadletter.NewRecorder(st, recorderOpts...)

	agg := orchestrator.NewAggregator(st, event.LogSink{}, ledger, resilience.DefaultPolicy())

	orch := orchestrator.New(orchestrator.Config{
		ExecutionTimeout: cfg.Engine.ExecutionTimeout(),
		OpinionEnabled:   cfg.Engine.OpinionEnabled,
	}, ledger, st, visionClient, sources, engine, scorer, judgeClient, agg, recorder)

	return &engineEnv{
		Store:        st,
		Registry:     ledger,
		Breakers:     breakers,
		Sources:      sources,
		Orchestrator: orch,
	}, nil
}
