package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/event"
	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/registry"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/internal/store"
)

// AggregateInput carries both branch results to the join barrier.
type AggregateInput struct {
	ExecutionID  string
	Request      model.RevaluationRequest
	Pricing      model.PricingResult
	Authenticity model.AuthenticityResult
	Opinion      *model.ValuationOpinion
}

// Aggregator merges branch results into the card snapshot and publishes the
// completion event. The snapshot merge is idempotent: applying the same
// input twice yields the same card state.
type Aggregator struct {
	store    store.Store
	sink     event.Sink
	registry *registry.Ledger
	policy   resilience.Policy
	nowFunc  func() time.Time
}

// NewAggregator creates the aggregator. The persist policy retries transient
// store failures before the execution dead-letters.
func NewAggregator(st store.Store, sink event.Sink, reg *registry.Ledger, policy resilience.Policy) *Aggregator {
	if policy.MaxAttempts <= 0 {
		policy = resilience.DefaultPolicy()
	}
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("store", "update_card")
	}
	return &Aggregator{
		store:    st,
		sink:     sink,
		registry: reg,
		policy:   policy,
		nowFunc:  time.Now,
	}
}

// Aggregate persists the merged snapshot, publishes CardValuationCompleted
// exactly once, and releases the registry claim as DONE.
func (a *Aggregator) Aggregate(ctx context.Context, in AggregateInput) error {
	now := a.nowFunc().UTC()

	patch := model.CardPatch{
		ExecutionID:  in.ExecutionID,
		Pricing:      &in.Pricing,
		Authenticity: &in.Authenticity,
		Opinion:      in.Opinion,
		RevaluedAt:   now,
	}

	snap, err := resilience.DoVal(ctx, a.policy, func(ctx context.Context) (*model.CardSnapshot, error) {
		return a.store.UpdateCard(ctx, in.Request.UserID, in.Request.CardID, patch)
	})
	if err != nil {
		return eris.Wrap(err, "aggregator: persist snapshot")
	}

	if err := a.sink.Publish(ctx, model.CardValuationCompleted{
		CardID:            in.Request.CardID,
		UserID:            in.Request.UserID,
		ExecutionID:       in.ExecutionID,
		RequestID:         in.Request.RequestID,
		ValueLow:          in.Pricing.ValueLow,
		ValueMedian:       in.Pricing.ValueMedian,
		ValueHigh:         in.Pricing.ValueHigh,
		AuthenticityScore: in.Authenticity.Score,
		FakeDetected:      in.Authenticity.FakeDetected,
		Sources:           in.Pricing.Sources,
		Timestamp:         now,
	}); err != nil {
		// The snapshot is already durable; an undeliverable event is logged,
		// not retried, to keep the exactly-once publish per execution.
		zap.L().Error("failed to publish completion event",
			zap.String("execution_id", in.ExecutionID), zap.Error(err))
	}

	if err := a.store.CompleteExecution(ctx, in.ExecutionID, model.ExecutionDone, model.StageCompleted, ""); err != nil {
		zap.L().Warn("failed to complete execution history",
			zap.String("execution_id", in.ExecutionID), zap.Error(err))
	}

	if err := a.registry.Complete(in.ExecutionID, model.ExecutionDone); err != nil {
		zap.L().Warn("failed to release registry claim",
			zap.String("execution_id", in.ExecutionID), zap.Error(err))
	}

	zap.L().Debug("aggregated execution",
		zap.String("execution_id", in.ExecutionID),
		zap.String("card_id", snap.CardID),
		zap.Time("revalued_at", snap.RevaluedAt),
	)
	return nil
}
