// Package event publishes domain events emitted by the aggregator.
package event

import (
	"context"

	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
)

// Sink receives the CardValuationCompleted event. The aggregator publishes
// exactly one event per completed execution.
type Sink interface {
	Publish(ctx context.Context, ev model.CardValuationCompleted) error
}

// LogSink writes events to the structured log. It is the default sink when
// no downstream consumer is wired.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev model.CardValuationCompleted) error {
	zap.L().Info("card valuation completed",
		zap.String("card_id", ev.CardID),
		zap.String("user_id", ev.UserID),
		zap.String("execution_id", ev.ExecutionID),
		zap.Float64("value_median", ev.ValueMedian),
		zap.Float64("authenticity_score", ev.AuthenticityScore),
		zap.Bool("fake_detected", ev.FakeDetected),
		zap.Strings("sources", ev.Sources),
	)
	return nil
}
