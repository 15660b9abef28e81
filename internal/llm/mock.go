package llm

import "context"

// MockClient is a configurable LLM client for testing. Set the response
// fields to control what Complete returns.
type MockClient struct {
	CompleteResponse string
	CompleteError    error

	// Call tracking for assertions
	CompleteCalls []struct{ System, Prompt string }
}

func NewMockClient() *MockClient {
	return &MockClient{CompleteResponse: ""}
}

func (c *MockClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	c.CompleteCalls = append(c.CompleteCalls, struct{ System, Prompt string }{system, prompt})
	if c.CompleteError != nil {
		return "", c.CompleteError
	}
	return c.CompleteResponse, nil
}
