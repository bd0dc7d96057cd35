// Package judge wraps the AI judgment collaborator used for final
// authenticity and valuation opinions.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/cardvault/revalue/internal/model"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 1024
)

// Client defines the judgment operations consumed by the scoring branches.
type Client interface {
	JudgeAuthenticity(ctx context.Context, req AuthenticityRequest) (*AuthenticityJudgment, error)
	JudgeValuation(ctx context.Context, req ValuationRequest) (*model.ValuationOpinion, error)
}

// AuthenticityRequest carries the locally computed signals plus the envelope
// and card metadata for the final judgment.
type AuthenticityRequest struct {
	Signals  model.AuthenticitySignals
	Envelope model.FeatureEnvelope
	Meta     model.CardMeta
}

// AuthenticityJudgment is the judge's verdict.
type AuthenticityJudgment struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// ValuationRequest asks for a narrative opinion on a fused price.
type ValuationRequest struct {
	Pricing model.PricingResult
	Meta    model.CardMeta
}

// Option configures the client.
type Option func(*sdkClient)

// WithModel overrides the default model.
func WithModel(m string) Option {
	return func(c *sdkClient) {
		if m != "" {
			c.model = m
		}
	}
}

// WithMaxTokens overrides the default response budget.
func WithMaxTokens(n int64) Option {
	return func(c *sdkClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

type sdkClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates a judgment client backed by the Anthropic SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const authenticitySystem = `You are an expert trading card authenticator.
You receive machine-extracted features of a card image plus five signal
confidences computed locally. Respond with JSON only:
{"score": <0..1 overall authenticity confidence>, "rationale": "<one or two sentences>"}`

func (c *sdkClient) JudgeAuthenticity(ctx context.Context, req AuthenticityRequest) (*AuthenticityJudgment, error) {
	payload, err := json.Marshal(map[string]any{
		"signals":  req.Signals,
		"envelope": req.Envelope,
		"card":     req.Meta,
	})
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal authenticity payload")
	}

	text, err := c.complete(ctx, authenticitySystem, string(payload))
	if err != nil {
		return nil, eris.Wrap(err, "judge: authenticity")
	}

	var out AuthenticityJudgment
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return nil, eris.Wrapf(err, "judge: parse authenticity verdict %q", truncate(text, 200))
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, eris.Errorf("judge: authenticity score %.3f out of range", out.Score)
	}
	return &out, nil
}

const valuationSystem = `You are a trading card market analyst. You receive a
fused pricing estimate for a card. Respond with JSON only:
{"summary": "<two sentences>", "fair_value": <number>, "trend": "rising|stable|falling",
"recommendation": "hold|sell|grade", "confidence": <0..1>}`

func (c *sdkClient) JudgeValuation(ctx context.Context, req ValuationRequest) (*model.ValuationOpinion, error) {
	payload, err := json.Marshal(map[string]any{
		"pricing": req.Pricing,
		"card":    req.Meta,
	})
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal valuation payload")
	}

	text, err := c.complete(ctx, valuationSystem, string(payload))
	if err != nil {
		return nil, eris.Wrap(err, "judge: valuation")
	}

	var out model.ValuationOpinion
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return nil, eris.Wrapf(err, "judge: parse valuation opinion %q", truncate(text, 200))
	}
	return &out, nil
}

func (c *sdkClient) complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "judge: create message")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", eris.New("judge: empty response")
	}
	return sb.String(), nil
}

// extractJSON pulls the first JSON object out of a response that may be
// wrapped in prose or a code fence.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s…", s[:n])
}
