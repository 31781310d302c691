package integration

import (
	"context"
	"net/http"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"go.uber.org/zap"
)

// ClassifierClient asks a remote model to classify the latest message
type ClassifierClient struct {
	client *Client
}

// NewClassifierClient creates a remote classifier adapter
func NewClassifierClient(client *Client) *ClassifierClient {
	return &ClassifierClient{client: client}
}

type classifyTurn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type classifyRequest struct {
	History []classifyTurn `json:"history"`
	Message string         `json:"message"`
}

type classifyResponse struct {
	Intent     string            `json:"intent"`
	Slots      map[string]string `json:"slots"`
	Confidence float64           `json:"confidence"`
}

// Classify implements sales.IntentClassifier. Unknown intent names from the
// model come back as IntentUnknown.
func (c *ClassifierClient) Classify(ctx context.Context, history []sales.Turn, latest string) (sales.Classification, error) {
	req := classifyRequest{History: make([]classifyTurn, 0, len(history)), Message: latest}
	for _, t := range history {
		req.History = append(req.History, classifyTurn{Role: string(t.Role), Text: t.Text, At: t.CreatedAt})
	}

	var resp classifyResponse
	if err := c.client.Do(ctx, Request{Method: http.MethodPost, Path: "/classify", Body: req, Operation: "classify"}, &resp); err != nil {
		return sales.Classification{}, err
	}
	return sales.Classification{
		Kind:       sales.ParseIntentKind(resp.Intent),
		Slots:      resp.Slots,
		Confidence: resp.Confidence,
	}.Normalize(), nil
}

// FallbackClassifier uses the keyword classifier whenever the primary fails
type FallbackClassifier struct {
	primary  sales.IntentClassifier
	fallback *KeywordClassifier
	logger   *zap.Logger
}

// NewFallbackClassifier wraps primary. A nil primary always uses keywords.
func NewFallbackClassifier(primary sales.IntentClassifier, fallback *KeywordClassifier, logger *zap.Logger) *FallbackClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackClassifier{primary: primary, fallback: fallback, logger: logger}
}

// Classify implements sales.IntentClassifier
func (f *FallbackClassifier) Classify(ctx context.Context, history []sales.Turn, latest string) (sales.Classification, error) {
	if f.primary != nil {
		c, err := f.primary.Classify(ctx, history, latest)
		if err == nil {
			return c, nil
		}
		f.logger.Warn("Remote classifier failed, using keyword rules", zap.Error(err))
	}
	return f.fallback.Classify(ctx, history, latest)
}

var (
	_ sales.IntentClassifier = (*ClassifierClient)(nil)
	_ sales.IntentClassifier = (*FallbackClassifier)(nil)
)
