package embedding

import (
	"fmt"

	"github.com/mnemora/mnemora/internal/domain"
	"go.uber.org/zap"
)

const (
	ProviderVoyage = "voyage"
	ProviderMock   = "mock"
)

// NewClient creates an embedding client based on the provider name. Mock
// mode never performs network I/O and requires no key.
func NewClient(provider, apiKey, endpoint, modelOverride string, logger *zap.Logger) (domain.EmbeddingClient, error) {
	switch provider {
	case ProviderVoyage:
		if apiKey == "" {
			return nil, fmt.Errorf("VOYAGE_API_KEY is required for the voyage embedding provider")
		}
		return NewVoyageClient(apiKey, endpoint, modelOverride, logger), nil

	case ProviderMock:
		return NewMockClient(), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (valid options: voyage, mock)", provider)
	}
}
