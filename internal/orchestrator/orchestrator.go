// Package orchestrator drives the revaluation state machine: feature
// extraction, parallel scoring, aggregation, and the dead-letter path.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardvault/revalue/internal/authenticity"
	"github.com/cardvault/revalue/internal/deadletter"
	"github.com/cardvault/revalue/internal/fusion"
	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/pricesource"
	"github.com/cardvault/revalue/internal/registry"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/internal/store"
	"github.com/cardvault/revalue/pkg/judge"
	"github.com/cardvault/revalue/pkg/vision"
)

// DefaultExecutionTimeout bounds one whole execution end to end.
const DefaultExecutionTimeout = 30 * time.Second

// Config tunes the orchestrator.
type Config struct {
	// ExecutionTimeout bounds one execution end to end. Default: 30s.
	ExecutionTimeout time.Duration

	// ExtractPolicy is the retry budget for feature extraction.
	// Default: 3 attempts, 2s base, doubling.
	ExtractPolicy resilience.Policy

	// OpinionEnabled asks the judge for a narrative valuation opinion when
	// the pricing branch produced comps.
	OpinionEnabled bool
}

// Orchestrator coordinates one execution per card at a time.
type Orchestrator struct {
	cfg      Config
	registry *registry.Ledger
	store    store.Store
	vision   vision.Client
	sources  *pricesource.Registry
	fusion   *fusion.Engine
	scorer   *authenticity.Scorer
	judge    judge.Client
	agg      *Aggregator
	dlq      *deadletter.Recorder

	wg sync.WaitGroup
}

// New creates an orchestrator. The judge client may be nil, which disables
// valuation opinions regardless of config.
func New(cfg Config, reg *registry.Ledger, st store.Store, vc vision.Client,
	sources *pricesource.Registry, eng *fusion.Engine, scorer *authenticity.Scorer,
	jc judge.Client, agg *Aggregator, dlq *deadletter.Recorder) *Orchestrator {

	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.ExtractPolicy.MaxAttempts <= 0 {
		cfg.ExtractPolicy = resilience.Policy{
			MaxAttempts:    3,
			BaseInterval:   2 * time.Second,
			MaxInterval:    30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		}
	}
	if cfg.ExtractPolicy.OnRetry == nil {
		cfg.ExtractPolicy.OnRetry = resilience.RetryLogger("vision", "extract")
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		store:    st,
		vision:   vc,
		sources:  sources,
		fusion:   eng,
		scorer:   scorer,
		judge:    jc,
		agg:      agg,
		dlq:      dlq,
	}
}

// TriggerResult is the synchronous answer to a trigger. When Started is
// false an execution was already running and ExecutionID identifies it.
// Status is always "running": either a new run started or one was in flight.
type TriggerResult struct {
	Started     bool   `json:"started"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Trigger validates the request, claims the card in the registry, and starts
// the execution asynchronously. Duplicate triggers while a run is in flight
// return the running execution's ID without starting anything.
func (o *Orchestrator) Trigger(ctx context.Context, req model.RevaluationRequest, meta model.CardMeta) (TriggerResult, error) {
	if err := req.Validate(); err != nil {
		return TriggerResult{}, err
	}

	res := o.registry.TryStart(req.CardID, req.RequestID)
	if !res.Started {
		zap.L().Info("revaluation already in flight",
			zap.String("card_id", req.CardID),
			zap.String("request_id", req.RequestID),
			zap.String("execution_id", res.ExecutionID),
		)
		return TriggerResult{
			Started:     false,
			ExecutionID: res.ExecutionID,
			Status:      string(model.ExecutionRunning),
			Message:     "revaluation already in flight",
		}, nil
	}

	exec := model.Execution{
		ID:        res.ExecutionID,
		CardID:    req.CardID,
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Status:    model.ExecutionRunning,
		Stage:     model.StageStart,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.RecordExecution(ctx, exec); err != nil {
		// History is observability only; the registry entry is the lock.
		zap.L().Warn("failed to record execution history",
			zap.String("execution_id", res.ExecutionID), zap.Error(err))
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(res.ExecutionID, req, meta)
	}()

	return TriggerResult{
		Started:     true,
		ExecutionID: res.ExecutionID,
		Status:      string(model.ExecutionRunning),
		Message:     "revaluation started",
	}, nil
}

// Wait blocks until all in-flight executions finish. Used for graceful
// shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) execute(executionID string, req model.RevaluationRequest, meta model.CardMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ExecutionTimeout)
	defer cancel()

	log := zap.L().With(
		zap.String("execution_id", executionID),
		zap.String("card_id", req.CardID),
	)
	log.Info("revaluation started", zap.Int("image_refs", len(req.ImageRefs)))

	// ExtractingFeatures
	o.setStage(ctx, executionID, model.StageExtractingFeatures)
	envelope, err := resilience.DoVal(ctx, o.cfg.ExtractPolicy, func(ctx context.Context) (*model.FeatureEnvelope, error) {
		return o.vision.Extract(ctx, req.ImageRefs)
	})
	if err != nil {
		o.fail(executionID, req, model.StageExtractingFeatures,
			eris.Wrap(err, "feature extraction failed"), nil, nil)
		return
	}
	envelope.CardID = req.CardID
	meta = enrichMeta(meta, envelope)

	// ScoringParallel: both branches always produce a result; degraded
	// results flow to the join barrier rather than erroring.
	o.setStage(ctx, executionID, model.StageScoringParallel)

	var (
		pricing model.PricingResult
		opinion *model.ValuationOpinion
		auth    model.AuthenticityResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		comps := o.gatherComps(gctx, meta, log)
		pricing = o.fusion.Fuse(comps)
		if o.cfg.OpinionEnabled && o.judge != nil && pricing.CompsCount > 0 {
			opinion = o.valuationOpinion(gctx, pricing, meta, log)
		}
		return nil
	})
	g.Go(func() error {
		auth = o.scorer.Score(gctx, *envelope, meta)
		return nil
	})
	g.Wait() //nolint:errcheck // branches never return errors

	// A whole-execution timeout does not abort the run. Both branches have
	// terminated with whatever they had, late source replies are ignored, and
	// aggregation proceeds with the partial results on a fresh bounded
	// context.
	aggCtx := ctx
	if ctx.Err() != nil {
		log.Warn("execution deadline elapsed during scoring, aggregating partial results",
			zap.Error(ctx.Err()))
		var cancelAgg context.CancelFunc
		aggCtx, cancelAgg = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelAgg()
	}

	// Aggregating
	o.setStage(aggCtx, executionID, model.StageAggregating)
	err = o.agg.Aggregate(aggCtx, AggregateInput{
		ExecutionID:  executionID,
		Request:      req,
		Pricing:      pricing,
		Authenticity: auth,
		Opinion:      opinion,
	})
	if err != nil {
		o.fail(executionID, req, model.StageAggregating,
			eris.Wrap(err, "aggregation failed"), &pricing, &auth)
		return
	}

	log.Info("revaluation completed",
		zap.Float64("value_median", pricing.ValueMedian),
		zap.Int("comps", pricing.CompsCount),
		zap.Float64("authenticity_score", auth.Score),
		zap.Bool("fake_detected", auth.FakeDetected),
	)
}

// gatherComps fans out over the registered sources. Unavailable sources are
// skipped; per-source failures reduce coverage but never abort the branch.
func (o *Orchestrator) gatherComps(ctx context.Context, meta model.CardMeta, log *zap.Logger) []model.RawComp {
	sources := o.sources.All()

	var mu sync.Mutex
	var comps []model.RawComp

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		if !src.Available() {
			log.Warn("skipping unavailable price source", zap.String("source", src.Name()))
			continue
		}
		g.Go(func() error {
			fetched, err := src.FetchComps(gctx, meta)
			if err != nil {
				log.Warn("price source failed",
					zap.String("source", src.Name()), zap.Error(err))
				return nil
			}
			mu.Lock()
			comps = append(comps, fetched...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-source errors are swallowed above
	return comps
}

func (o *Orchestrator) valuationOpinion(ctx context.Context, pricing model.PricingResult, meta model.CardMeta, log *zap.Logger) *model.ValuationOpinion {
	opinion, err := o.judge.JudgeValuation(ctx, judge.ValuationRequest{
		Pricing: pricing,
		Meta:    meta,
	})
	if err != nil {
		log.Warn("valuation opinion unavailable", zap.Error(err))
		return nil
	}
	return opinion
}

// fail runs the dead-letter path: record the letter with whatever partial
// results exist, mark the card, and release the registry claim. The original
// execution context may already be expired, so a fresh bounded context
// carries the cleanup.
func (o *Orchestrator) fail(executionID string, req model.RevaluationRequest, stage model.ExecutionStage, cause error, pricing *model.PricingResult, auth *model.AuthenticityResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errType := resilience.Classify(cause)
	if _, err := o.dlq.Record(ctx, model.DeadLetter{
		CardID:              req.CardID,
		UserID:              req.UserID,
		RequestID:           req.RequestID,
		ExecutionID:         executionID,
		Stage:               stage,
		Error:               cause.Error(),
		ErrorType:           errType,
		PartialPricing:      pricing,
		PartialAuthenticity: auth,
	}); err != nil {
		zap.L().Error("dead-letter write failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}

	marker := cause.Error()
	if _, err := o.store.UpdateCard(ctx, req.UserID, req.CardID, model.CardPatch{
		ExecutionID:   executionID,
		FailureMarker: &marker,
	}); err != nil {
		zap.L().Warn("failed to set failure marker",
			zap.String("card_id", req.CardID), zap.Error(err))
	}

	if err := o.store.CompleteExecution(ctx, executionID, model.ExecutionFailed, model.StageDeadLettered, cause.Error()); err != nil {
		zap.L().Warn("failed to complete execution history",
			zap.String("execution_id", executionID), zap.Error(err))
	}

	if err := o.registry.Complete(executionID, model.ExecutionFailed); err != nil {
		zap.L().Warn("failed to release registry claim",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

func (o *Orchestrator) setStage(ctx context.Context, executionID string, stage model.ExecutionStage) {
	if err := o.store.UpdateExecutionStage(ctx, executionID, stage); err != nil {
		zap.L().Debug("failed to update execution stage",
			zap.String("execution_id", executionID),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}

// enrichMeta fills identity fields the caller did not supply from the OCR
// output, so source queries work even for cards triggered by ID alone.
func enrichMeta(meta model.CardMeta, envelope *model.FeatureEnvelope) model.CardMeta {
	if meta.Name == "" {
		meta.Name = envelope.Title
	}
	if meta.SetName == "" {
		meta.SetName = envelope.SetName
	}
	if meta.Number == "" {
		meta.Number = envelope.Number
	}
	return meta
}
