package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mnemora/mnemora/internal/domain"
	"go.uber.org/zap"
)

// ErrUnavailable marks embedding failures that stem from the provider being
// unreachable or overloaded, as opposed to a bad request.
var ErrUnavailable = errors.New("embedding service unavailable")

const (
	defaultVoyageEndpoint = "https://api.voyageai.com/v1/embeddings"
	requestTimeout        = 30 * time.Second
)

// fallbackModels is logged on 403 so operators know which models their key
// may still be entitled to. The client never retries automatically.
var fallbackModels = []string{"voyage-4-lite", "voyage-3-lite", "voyage-3"}

// VoyageClient calls a Voyage-compatible embeddings endpoint.
type VoyageClient struct {
	usageEmitter

	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewVoyageClient selects the model from the endpoint host unless an
// explicit model override is given.
func NewVoyageClient(apiKey, endpoint, modelOverride string, logger *zap.Logger) *VoyageClient {
	if endpoint == "" {
		endpoint = defaultVoyageEndpoint
	}
	model := modelOverride
	if model == "" {
		model = modelForEndpoint(endpoint)
	}
	return &VoyageClient{
		apiKey:     apiKey,
		endpoint:   endpoint,
		model:      model,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

func modelForEndpoint(endpoint string) string {
	switch {
	case strings.Contains(endpoint, "ai.mongodb.com"):
		return "voyage-4-lite"
	case strings.Contains(endpoint, "api.voyageai.com"):
		return "voyage-4"
	default:
		return "voyage-4"
	}
}

func (c *VoyageClient) Model() string { return c.model }

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Detail string `json:"detail,omitempty"`
}

func (c *VoyageClient) Embed(ctx context.Context, texts []string, hint domain.InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(voyageRequest{
		Input:     texts,
		Model:     c.model,
		InputType: string(hint),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		c.logger.Warn("embedding API returned 403, model may not be enabled for this key",
			zap.String("model", c.model),
			zap.Strings("fallback_models", fallbackModels))
		return nil, fmt.Errorf("embedding API returned 403 for model %s: %s", c.model, string(respBody))
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("embedding API returned status %d: %w: %s", resp.StatusCode, ErrUnavailable, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result voyageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embedding response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	// Providers may return out of order; the contract is input order.
	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })

	vectors := make([][]float32, len(texts))
	for i, d := range result.Data {
		if len(d.Embedding) != domain.EmbeddingDim {
			return nil, fmt.Errorf("embedding API returned dimension %d, want %d", len(d.Embedding), domain.EmbeddingDim)
		}
		vectors[i] = d.Embedding
	}

	c.emit(ctx, domain.EmbeddingUsage{
		TotalTokens: result.Usage.TotalTokens,
		Model:       c.model,
		Provider:    "voyage",
		InputTexts:  len(texts),
		InputType:   hint,
		IsMock:      false,
	})

	return vectors, nil
}
