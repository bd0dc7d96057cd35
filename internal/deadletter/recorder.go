// Package deadletter persists failed executions for operator follow-up.
package deadletter

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/store"
	"github.com/cardvault/revalue/pkg/notion"
)

// Recorder writes dead letters to the store and optionally mirrors them to a
// Notion database the support team watches.
type Recorder struct {
	store      store.Store
	notion     notion.Client
	databaseID string
}

// Option configures the recorder.
type Option func(*Recorder)

// WithNotionMirror mirrors every dead letter to the given Notion database.
func WithNotionMirror(client notion.Client, databaseID string) Option {
	return func(r *Recorder) {
		r.notion = client
		r.databaseID = databaseID
	}
}

// NewRecorder creates a recorder backed by the store.
func NewRecorder(st store.Store, opts ...Option) *Recorder {
	r := &Recorder{store: st}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists the dead letter. The store write is authoritative; a
// failed Notion mirror is logged and swallowed so the dead-letter path
// itself cannot dead-letter.
func (r *Recorder) Record(ctx context.Context, dl model.DeadLetter) (*model.DeadLetter, error) {
	saved, err := r.store.CreateDeadLetter(ctx, dl)
	if err != nil {
		return nil, eris.Wrap(err, "deadletter: persist")
	}

	zap.L().Error("execution dead-lettered",
		zap.String("dead_letter_id", saved.ID),
		zap.String("card_id", saved.CardID),
		zap.String("execution_id", saved.ExecutionID),
		zap.String("stage", string(saved.Stage)),
		zap.String("error_type", saved.ErrorType),
		zap.String("error", saved.Error),
	)

	if r.notion != nil {
		if _, err := r.notion.CreatePage(ctx, r.pageRequest(*saved)); err != nil {
			zap.L().Warn("deadletter: notion mirror failed",
				zap.String("dead_letter_id", saved.ID), zap.Error(err))
		}
	}
	return saved, nil
}

func (r *Recorder) pageRequest(dl model.DeadLetter) *notionapi.PageCreateRequest {
	title := fmt.Sprintf("%s / %s", dl.CardID, dl.ExecutionID)
	return &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(r.databaseID),
		},
		Properties: notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Title: []notionapi.RichText{{Text: &notionapi.Text{Content: title}}},
			},
			"Stage": notionapi.SelectProperty{
				Select: notionapi.Option{Name: string(dl.Stage)},
			},
			"Error Type": notionapi.SelectProperty{
				Select: notionapi.Option{Name: dl.ErrorType},
			},
			"Error": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: clip(dl.Error, 1900)}}},
			},
			"User": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: dl.UserID}}},
			},
		},
	}
}

// clip bounds free text to Notion's rich-text limit.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
